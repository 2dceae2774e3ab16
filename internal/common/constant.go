// Package common contains shared constants and the domain error taxonomy used
// across authmanager components.
package common

// PersistentTokenHeaderName carries the vault entry id back to the browser
// at the end of the consent callback redirect.
const PersistentTokenHeaderName = "X-Persistent-Token-Id"

// AttributeFrom is the attributes key linking a re-issued offline token to
// the vault entry it was derived from.
const AttributeFrom = "from"

package turnstile

import "github.com/turnhq/turnstile/id"

// ID is the primary identifier type for all Turnstile entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

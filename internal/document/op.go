package document

// Op is the kind of a document mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the recognized kinds.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// NeedsPayload reports whether a mutation of this kind must carry a payload.
func (op Op) NeedsPayload() bool {
	return op == OpCreate || op == OpUpdate
}

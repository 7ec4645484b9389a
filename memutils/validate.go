package memutils

// Validatable is anything that can check its own internal consistency. Blocks and their metadata
// implement it so DebugValidate can verify them after every state change in debug builds.
type Validatable interface {
	Validate() error
}

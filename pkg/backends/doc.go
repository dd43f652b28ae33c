/*
Package backends defines the uniform capability surface of site backends
and the compile-time registry that maps configuration tags onto them.

A resource backend (SLURM scheduler, S3 storage, a federated marketplace,
...) implements the Backend interface; a username backend implements
UsernameManager. Concrete implementations live out of tree and register
themselves at init:

	func init() {
		backends.Register("slurm", newSlurmBackend)
	}

Optional capabilities are declared twice: a Supports* flag the processors
consult, and a method that must be a safe no-op when the flag is false.
BaseBackend supplies those defaults, so a backend embeds it and overrides
only what it genuinely supports.

Unknown tags resolve to a no-op backend that logs and rejects mutating
operations, keeping one misconfigured offering from taking down the rest
of the agent.

Username generation returns a UsernameResult sum type instead of raising:
Ok carries the username, NeedsLinking and NeedsValidation carry a comment
and optional URL that drive the offering user state machine in
pkg/processors.
*/
package backends

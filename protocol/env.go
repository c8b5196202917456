package protocol

// Environment variable names the controller uses to hand the spawner
// helper its cwd/env/hardening configuration (spec.md §6: "The
// controller MUST make cwd and env available to the spawner's process
// environment before exec"). Argv only ever carries the socket path,
// the target's absolute path, and the target's own arguments.
const (
	EnvCwd          = "BOXPIPE_CWD"
	EnvVars         = "BOXPIPE_ENV"
	EnvDropCaps     = "BOXPIPE_DROP_CAPS"
	EnvDenySyscalls = "BOXPIPE_DENY_SYSCALLS"
)

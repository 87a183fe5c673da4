package session

// Terminal is an interactive process attached to a pseudo-terminal.
//
// Write, Resize and Kill must not block: the registry calls them while
// holding its lock.
type Terminal interface {
	Write(data []byte) error
	Resize(cols, rows uint16) error
	Kill() error

	// Output delivers output chunks in the order they were read. It is
	// closed once no more output will arrive.
	Output() <-chan []byte
	// Exited delivers exactly one ExitStatus after Output is closed.
	Exited() <-chan ExitStatus
}

// SpawnOptions configures a new terminal.
type SpawnOptions struct {
	Shell string
	Dir   string
	Env   []string
	Cols  uint16
	Rows  uint16
}

// Spawner starts terminals.
type Spawner interface {
	Spawn(opts SpawnOptions) (Terminal, error)
}

package recording

// ProcessToken identifies a supervised external process. It is handed to
// lifecycle listeners and to the resource monitor so they can observe the
// process without holding a handle to it.
type ProcessToken struct {
	PID  int
	Name string
}

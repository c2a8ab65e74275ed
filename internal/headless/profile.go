package headless

// Profile selects how a page is rendered.
type Profile int

const (
	// Standard is a plain headless render with a realistic viewport.
	Standard Profile = iota
	// Evasive spoofs automation fingerprints, simulates a reader and
	// retries navigation.
	Evasive
)

func (p Profile) String() string {
	switch p {
	case Standard:
		return "standard"
	case Evasive:
		return "evasive"
	default:
		return "unknown"
	}
}

// Shot is the output of one render.
type Shot struct {
	PNG        []byte
	HTML       string
	FinalURL   string
	StatusCode int
}

package datadist

// Role is the engine's position in disaggregated inference (spec §4.7).
type Role int

const (
	Prompt Role = iota
	Decoder
	Mix
)

func (r Role) String() string {
	switch r {
	case Prompt:
		return "Prompt"
	case Decoder:
		return "Decoder"
	case Mix:
		return "Mix"
	default:
		return "Unknown"
	}
}

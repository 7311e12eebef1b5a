package rules

// Volatility classifies what a rule's actions do to the world outside the
// result. It decides whether and how long a rule's results may be cached.
type Volatility int

const (
	// Advisory rules only produce results and logs.
	Advisory Volatility = iota

	// SideEffecting rules deliver alerts, notifications or follow-ups but
	// leave context data untouched.
	SideEffecting

	// Mutating rules write context data and are never cached.
	Mutating
)

// String returns the lowercase name of the class.
func (v Volatility) String() string {
	switch v {
	case Advisory:
		return "advisory"
	case SideEffecting:
		return "side_effecting"
	case Mutating:
		return "mutating"
	default:
		return "unknown"
	}
}

// Max returns the more volatile of the two classes.
func (v Volatility) Max(o Volatility) Volatility {
	if o > v {
		return o
	}
	return v
}

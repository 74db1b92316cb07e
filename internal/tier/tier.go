package tier

// Tier is a caller's subscription level. Tiers are totally ordered; the zero
// value is the anonymous tier so an unresolved identity is never privileged.
type Tier int

const (
	Anonymous Tier = iota
	Free
	Dev
	Pro
	Team
)

var tierNames = map[Tier]string{
	Anonymous: "anonymous",
	Free:      "free",
	Dev:       "dev",
	Pro:       "pro",
	Team:      "team",
}

var tiersByName = map[string]Tier{
	"anonymous": Anonymous,
	"free":      Free,
	"dev":       Dev,
	"pro":       Pro,
	"team":      Team,
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "anonymous"
}

// Parse maps a tier name to a Tier. Unknown names fall back to anonymous,
// never an error.
func Parse(name string) Tier {
	if t, ok := tiersByName[name]; ok {
		return t
	}
	return Anonymous
}

func All() []Tier {
	return []Tier{Anonymous, Free, Dev, Pro, Team}
}

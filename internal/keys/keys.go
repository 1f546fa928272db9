// Package keys classifies raw key codes into productivity classes.
//
// Codes follow the common virtual key-code layout delivered by the OS input
// hook (letters 65–90, digits 48–57, and so on). Classification is a pure
// lookup with no state and no failure modes.
package keys

// Class is the productivity class of a key code.
type Class int

const (
	// Other covers anything not recognized as productive or navigation.
	Other Class = iota
	// Productive keys produce or edit text: letters, digits, whitespace,
	// editing keys, and common punctuation.
	Productive
	// Navigation keys move around without producing text: arrows,
	// modifiers, function keys, and lock keys.
	Navigation
)

func (c Class) String() string {
	switch c {
	case Productive:
		return "productive"
	case Navigation:
		return "navigation"
	default:
		return "other"
	}
}

var classes = buildTable()

func buildTable() map[int]Class {
	t := make(map[int]Class, 160)

	set := func(class Class, codes ...int) {
		for _, c := range codes {
			t[c] = class
		}
	}
	setRange := func(class Class, from, to int) {
		for c := from; c <= to; c++ {
			t[c] = class
		}
	}

	// Letters and digits.
	setRange(Productive, 'A', 'Z') // 65–90
	setRange(Productive, '0', '9') // 48–57
	setRange(Productive, 96, 105)  // numpad 0–9

	// Whitespace and editing.
	set(Productive, 8, 9, 13, 32, 46) // backspace, tab, enter, space, delete

	// Punctuation: ;= ,-./` and [\]'
	setRange(Productive, 186, 192)
	setRange(Productive, 219, 222)
	// Numpad operators and decimal.
	setRange(Productive, 106, 111)

	// Arrows, home/end, page up/down, insert.
	setRange(Navigation, 33, 36) // page up, page down, end, home
	setRange(Navigation, 37, 40) // arrows
	set(Navigation, 45)          // insert

	// Modifiers.
	set(Navigation, 16, 17, 18) // shift, ctrl, alt
	set(Navigation, 91, 92, 93) // meta left/right, context menu
	set(Navigation, 27)         // escape

	// Function keys F1–F12.
	setRange(Navigation, 112, 123)

	// Lock keys.
	set(Navigation, 20, 144, 145) // caps, num, scroll

	return t
}

// Classify returns the productivity class of a key code.
func Classify(code int) Class {
	return classes[code]
}

// IsProductive reports whether code is a text-producing key.
func IsProductive(code int) bool { return classes[code] == Productive }

// IsNavigation reports whether code is a navigation or modifier key.
func IsNavigation(code int) bool { return classes[code] == Navigation }

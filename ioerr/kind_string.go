package ioerr

func (k Kind) String() string {
	switch k {
	case BadValue:
		return "BadValue"
	case BadAddress:
		return "BadAddress"
	case BadIndex:
		return "BadIndex"
	case Busy:
		return "Busy"
	case NoMemory:
		return "NoMemory"
	case NotReady:
		return "NotReady"
	case TimedOut:
		return "TimedOut"
	case IOError:
		return "IOError"
	case Interrupted:
		return "Interrupted"
	case Unsupported:
		return "Unsupported"
	default:
		return "Kind(unknown)"
	}
}

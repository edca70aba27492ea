package gcode

import "fmt"

// Status is a parser rejection code, surfaced over the serial line
// protocol as "error:<code>\r\n" per spec.md section 6. Numbering follows
// grbl's public status-code table (report.h is not part of the retained
// original source slice; see DESIGN.md).
type Status int

const (
	StatusExpectedCommandLetter Status = 1
	StatusBadNumberFormat       Status = 2
	StatusNegativeValue         Status = 4
	StatusSettingReadFail       Status = 7
	StatusInvalidJogCommand     Status = 16
	StatusUnsupportedCommand    Status = 20
	StatusModalGroupViolation   Status = 21
	StatusUndefinedFeedRate     Status = 22
	StatusCommandValueNotInt    Status = 23
	StatusAxisCommandConflict   Status = 24
	StatusWordRepeated          Status = 25
	StatusNoAxisWords           Status = 26
	StatusInvalidLineNumber     Status = 27
	StatusValueWordMissing      Status = 28
	StatusUnsupportedCoordSys   Status = 29
	StatusG53InvalidMotionMode  Status = 30
	StatusAxisWordsExist        Status = 31
	StatusNoAxisWordsInPlane    Status = 32
	StatusInvalidTarget         Status = 33
	StatusArcRadiusError        Status = 34
	StatusUnusedWords           Status = 36
)

var statusNames = map[Status]string{
	StatusExpectedCommandLetter: "EXPECTED_COMMAND_LETTER",
	StatusBadNumberFormat:       "BAD_NUMBER_FORMAT",
	StatusNegativeValue:         "NEGATIVE_VALUE",
	StatusSettingReadFail:       "SETTING_READ_FAIL",
	StatusInvalidJogCommand:     "INVALID_JOG_COMMAND",
	StatusUnsupportedCommand:    "UNSUPPORTED_COMMAND",
	StatusModalGroupViolation:   "MODAL_GROUP_VIOLATION",
	StatusUndefinedFeedRate:     "UNDEFINED_FEED_RATE",
	StatusCommandValueNotInt:    "COMMAND_VALUE_NOT_INTEGER",
	StatusAxisCommandConflict:   "AXIS_COMMAND_CONFLICT",
	StatusWordRepeated:          "WORD_REPEATED",
	StatusNoAxisWords:           "NO_AXIS_WORDS",
	StatusInvalidLineNumber:     "INVALID_LINE_NUMBER",
	StatusValueWordMissing:      "VALUE_WORD_MISSING",
	StatusUnsupportedCoordSys:   "UNSUPPORTED_COORD_SYS",
	StatusG53InvalidMotionMode:  "G53_INVALID_MOTION_MODE",
	StatusAxisWordsExist:        "AXIS_WORDS_EXIST",
	StatusNoAxisWordsInPlane:    "NO_AXIS_WORDS_IN_PLANE",
	StatusInvalidTarget:         "INVALID_TARGET",
	StatusArcRadiusError:        "ARC_RADIUS_ERROR",
	StatusUnusedWords:           "UNUSED_WORDS",
}

// Name returns the taxonomy name of s, or "UNKNOWN" if s isn't one of the
// constants above.
func (s Status) Name() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Error is returned by ExecuteLine on rejection. It never carries partial
// side effects: gc_state is guaranteed unchanged when this is returned.
type Error struct {
	Status Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("error:%d", int(e.Status))
}

// Code returns the numeric status code for the wire protocol's
// "error:<code>" line (spec.md section 6); the link package type-asserts
// for this method rather than importing gcode.Error directly, so other
// rejection sources (e.g. a future jog-command validator) can report
// through the same response path by implementing it too.
func (e *Error) Code() int { return int(e.Status) }

// reject is a small constructor used throughout the parser.
func reject(s Status) error {
	return &Error{Status: s}
}

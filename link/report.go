package link

import (
	"strconv"
	"strings"

	"github.com/nasa-jpl/cncmotion/axis"
	"github.com/nasa-jpl/cncmotion/system"
)

// ReportMask toggles status-report fields on and off, the Go stand-in
// for DEFAULT_STATUS_REPORT_MASK's compile-time field selection
// (spec.md section 7.2 / SPEC_FULL.md section 7.2).
type ReportMask uint8

const (
	ReportMPos ReportMask = 1 << iota
	ReportFS
	ReportOverrides
)

// DefaultReportMask matches grbl's own default: machine position and
// feed/speed, overrides omitted unless asked for.
const DefaultReportMask = ReportMPos | ReportFS

// BuildStatusReport renders the single angle-bracketed status line
// spec.md section 6 describes: "<State|MPos:x,y,z|FS:f,s|Ov:f,r,s|...>".
// Fields absent from mask are omitted entirely, not zeroed, matching
// grbl's own behavior of compiling the field out rather than sending a
// placeholder.
func BuildStatusReport(e *system.Executor, mask ReportMask) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(e.State().String())

	if mask&ReportMPos != 0 {
		pos := e.Plan.MachinePosition()
		b.WriteString("|MPos:")
		for i := range axis.Names {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(pos[i], 'f', 3, 64))
		}
	}

	if mask&ReportFS != 0 {
		b.WriteString("|FS:")
		b.WriteString(strconv.FormatFloat(e.Parser.State.FeedRate, 'f', 0, 64))
		b.WriteString(",0") // no spindle model in this build, see DESIGN.md
	}

	if mask&ReportOverrides != 0 {
		// Feed/rapid/spindle overrides are a Non-goal of this build (no
		// override state exists to report); emitted as the fixed 100%
		// triple grbl's own report shows before any override is applied.
		b.WriteString("|Ov:100,100,100")
	}

	b.WriteByte('>')
	return b.String()
}

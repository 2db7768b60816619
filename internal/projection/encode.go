package projection

import (
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// MarshalSnapshot renders the wire payload for a snapshot:
//
//	{"seq":3,"set":true,"updated_at":"...","points":[{"month":"Jan","value":1000},...]}
//
// An unset snapshot is rendered with "set":false and "points":null.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("seq").Int(int(s.Seq))
	obj.Name("set").Bool(s.Set)
	if !s.UpdatedAt.IsZero() {
		obj.Name("updated_at").String(s.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	if s.Set {
		obj.Name("points")
		arr := w.Array()
		for i, v := range s.Values {
			pt := w.Object()
			pt.Name("month").String(Months[i])
			pt.Name("value").Float64(Round2(v))
			pt.End()
		}
		arr.End()
	} else {
		obj.Name("points").Null()
	}
	obj.End()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

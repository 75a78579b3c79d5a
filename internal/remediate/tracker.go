package remediate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jamesprial/raspi-doctor/internal/evaluate"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

// UnitsFile is the name of the saved unit states inside the log directory.
const UnitsFile = "units.json"

// UnitStatus is the tracked lifecycle state of one monitored unit.
type UnitStatus struct {
	ID        string           `json:"id"`
	Rule      string           `json:"rule"`
	Subject   string           `json:"subject,omitempty"`
	State     health.UnitState `json:"state"`
	Since     time.Time        `json:"since"`
	LastCycle string           `json:"last_cycle"`
	Detail    string           `json:"detail,omitempty"`
}

// Transition records a unit changing state.
type Transition struct {
	ID   string           `json:"id"`
	From health.UnitState `json:"from"`
	To   health.UnitState `json:"to"`
}

// UnitTracker holds the state machine of every unit seen so far:
//
//	Unknown -> Healthy | Degraded        first data
//	Healthy -> Degraded                  condition fires
//	Degraded -> Healthy                  condition clears
//	Degraded -> Remediating              corrective action succeeded
//	Remediating -> Healthy | Degraded    next cycle's fresh reading decides
//
// A failed action leaves the unit Degraded. Success is never assumed from
// the action alone.
type UnitTracker struct {
	now func() time.Time

	mu    sync.Mutex
	units map[string]*UnitStatus
}

// NewUnitTracker returns an empty tracker.
func NewUnitTracker() *UnitTracker {
	return &UnitTracker{now: time.Now, units: make(map[string]*UnitStatus)}
}

func (t *UnitTracker) unit(id string) *UnitStatus {
	u, ok := t.units[id]
	if !ok {
		rule, subject := health.SplitUnitID(id)
		u = &UnitStatus{ID: id, Rule: rule, Subject: subject, State: health.StateUnknown}
		t.units[id] = u
	}
	return u
}

func (t *UnitTracker) move(u *UnitStatus, to health.UnitState, cycleID string, out *[]Transition) {
	u.LastCycle = cycleID
	if u.State == to {
		return
	}
	*out = append(*out, Transition{ID: u.ID, From: u.State, To: to})
	u.State = to
	u.Since = t.now()
}

// Observe applies one cycle's evaluation. Units whose rule had no usable
// data keep their state.
func (t *UnitTracker) Observe(cycleID string, res evaluate.Result) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	fired := make(map[string]bool, len(res.Conditions))
	for _, c := range res.Conditions {
		id := c.ID()
		fired[id] = true
		u := t.unit(id)
		u.Detail = c.Detail
		t.move(u, health.StateDegraded, cycleID, &out)
	}

	for _, id := range res.Observed {
		if fired[id] {
			continue
		}
		u := t.unit(id)
		u.Detail = ""
		t.move(u, health.StateHealthy, cycleID, &out)
	}

	// Subject-bearing units of a rule that reported as a whole, such as the
	// top attacker or a failed unit that was reset, recover when the rule no
	// longer names them.
	covered := make(map[string]bool, len(res.Covered))
	for _, rule := range res.Covered {
		covered[rule] = true
	}
	for id, u := range t.units {
		if u.Subject == "" || fired[id] || !covered[u.Rule] {
			continue
		}
		u.Detail = ""
		t.move(u, health.StateHealthy, cycleID, &out)
	}

	sortTransitions(out)
	return out
}

// Apply feeds action outcomes back into the state machine. Only a
// successful action moves a Degraded unit to Remediating.
func (t *UnitTracker) Apply(actions []health.Action) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	for _, a := range actions {
		u, ok := t.units[a.ConditionID]
		if !ok || u.State != health.StateDegraded {
			continue
		}
		if a.Outcome == health.OutcomeSuccess {
			t.move(u, health.StateRemediating, a.CycleID, &out)
		}
	}
	return out
}

// State returns the state of the unit with the given ID.
func (t *UnitTracker) State(id string) health.UnitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.units[id]; ok {
		return u.State
	}
	return health.StateUnknown
}

// Snapshot returns every unit ordered by ID.
func (t *UnitTracker) Snapshot() []UnitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UnitStatus, 0, len(t.units))
	for _, u := range t.units {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortTransitions(ts []Transition) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

// Save writes every unit to path, replacing the previous file atomically so
// a concurrent reader never sees a partial write.
func (t *UnitTracker) Save(path string) error {
	data, err := json.MarshalIndent(t.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal units: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// LoadUnitTracker returns a tracker holding the units saved at path, so a
// unit remediated by one process is judged against it by the next. A
// missing file gives an empty tracker; an unreadable one gives an empty
// tracker and the error.
func LoadUnitTracker(path string) (*UnitTracker, error) {
	t := NewUnitTracker()
	units, err := ReadUnits(path)
	if err != nil {
		return t, err
	}
	for _, u := range units {
		t.units[u.ID] = &u
	}
	return t, nil
}

// ReadUnits reads the units saved by Save, ordered by ID.
func ReadUnits(path string) ([]UnitStatus, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []UnitStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read units: %w", err)
	}
	var units []UnitStatus
	if err := json.Unmarshal(data, &units); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if units == nil {
		units = []UnitStatus{}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

// UnitFile serves the unit states another process saved, for a server that
// does not run cycles itself.
type UnitFile struct {
	path string
}

// NewUnitFile returns a reader of the units saved at path.
func NewUnitFile(path string) *UnitFile {
	return &UnitFile{path: path}
}

// Snapshot returns the saved units. A file that cannot be read has none.
func (f *UnitFile) Snapshot() []UnitStatus {
	units, err := ReadUnits(f.path)
	if err != nil {
		return []UnitStatus{}
	}
	return units
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), path)
}

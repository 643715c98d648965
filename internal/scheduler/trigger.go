package scheduler

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avendel/cryptodesk/internal/domain"
)

// Trigger describes when a job fires. Exactly one of the kind-specific
// fields is meaningful.
type Trigger struct {
	Kind     JobKind
	Interval time.Duration // KindInterval
	Spec     string        // KindCron, standard five-field expression
	At       time.Time     // KindOneShot
}

// Every builds an interval trigger.
func Every(d time.Duration) Trigger {
	return Trigger{Kind: KindInterval, Interval: d}
}

// Cron builds a cron trigger from a standard five-field expression.
func Cron(spec string) Trigger {
	return Trigger{Kind: KindCron, Spec: spec}
}

// At builds a one-shot trigger.
func At(t time.Time) Trigger {
	return Trigger{Kind: KindOneShot, At: t.UTC()}
}

// triggerWire is the persisted shape of a trigger.
type triggerWire struct {
	Kind      JobKind `json:"kind"`
	IntervalS int64   `json:"interval_s,omitempty"`
	Cron      string  `json:"cron,omitempty"`
	AtMs      int64   `json:"at_ms,omitempty"`
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	w := triggerWire{Kind: t.Kind}
	switch t.Kind {
	case KindInterval:
		w.IntervalS = int64(t.Interval / time.Second)
	case KindCron:
		w.Cron = t.Spec
	case KindOneShot:
		w.AtMs = t.At.UnixMilli()
	}
	return json.Marshal(w)
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	var w triggerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Kind = w.Kind
	t.Interval = time.Duration(w.IntervalS) * time.Second
	t.Spec = w.Cron
	if w.AtMs != 0 {
		t.At = time.UnixMilli(w.AtMs).UTC()
	}
	return nil
}

// Validate checks the trigger is well-formed.
func (t Trigger) Validate() error {
	switch t.Kind {
	case KindInterval:
		if t.Interval < time.Second {
			return domain.Errorf(domain.KindBadRequest, "interval trigger requires a period of at least 1s, got %s", t.Interval)
		}
	case KindCron:
		if _, err := cron.ParseStandard(t.Spec); err != nil {
			return domain.WrapError(domain.KindBadRequest, "invalid cron expression", err)
		}
	case KindOneShot:
		if t.At.IsZero() {
			return domain.Errorf(domain.KindBadRequest, "one-shot trigger requires a fire time")
		}
	default:
		return domain.Errorf(domain.KindBadRequest, "unknown trigger kind %q", t.Kind)
	}
	return nil
}

// NextAfter returns the first fire strictly after the given instant, or the
// zero time when the trigger has no future fire (exhausted one-shot).
func (t Trigger) NextAfter(after time.Time) (time.Time, error) {
	switch t.Kind {
	case KindInterval:
		return after.Add(t.Interval), nil
	case KindCron:
		schedule, err := cron.ParseStandard(t.Spec)
		if err != nil {
			return time.Time{}, domain.WrapError(domain.KindBadRequest, "invalid cron expression", err)
		}
		return schedule.Next(after), nil
	case KindOneShot:
		if t.At.After(after) {
			return t.At, nil
		}
		return time.Time{}, nil
	}
	return time.Time{}, domain.Errorf(domain.KindBadRequest, "unknown trigger kind %q", t.Kind)
}

// AdvancePast steps from a known fire time to the first fire strictly after
// now, preserving the trigger's phase. Used on restart so a recovered
// interval job does not drift from its original grid.
func (t Trigger) AdvancePast(from, now time.Time) (time.Time, error) {
	switch t.Kind {
	case KindInterval:
		if !from.After(now) {
			steps := now.Sub(from)/t.Interval + 1
			from = from.Add(steps * t.Interval)
		}
		return from, nil
	case KindCron:
		return t.NextAfter(now)
	case KindOneShot:
		return time.Time{}, nil
	}
	return time.Time{}, domain.Errorf(domain.KindBadRequest, "unknown trigger kind %q", t.Kind)
}

// missedFires lists fire times in [from, now], oldest first. The cron path is
// bounded to keep a long outage from producing an unbounded slice; callers
// coalesce anyway.
func (t Trigger) missedFires(from, now time.Time) []time.Time {
	const maxMissed = 1000

	var fires []time.Time
	switch t.Kind {
	case KindInterval:
		for fire := from; !fire.After(now) && len(fires) < maxMissed; fire = fire.Add(t.Interval) {
			fires = append(fires, fire)
		}
	case KindCron:
		schedule, err := cron.ParseStandard(t.Spec)
		if err != nil {
			return nil
		}
		for fire := from; !fire.After(now) && len(fires) < maxMissed; fire = schedule.Next(fire) {
			fires = append(fires, fire)
		}
	case KindOneShot:
		if !t.At.After(now) {
			fires = append(fires, t.At)
		}
	}
	return fires
}

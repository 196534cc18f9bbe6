// Package cases picks a clinical scenario and derives the simulated patient.
package cases

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// MinAge is the youngest patient the simulator plays.
const MinAge = 16

const maxRandomAge = 85

// ErrUnknownScenario is returned when an explicit scenario id is not in the source.
var ErrUnknownScenario = errors.New("unknown scenario")

// Gender of the simulated patient
type Gender string

const (
	Male        Gender = "male"
	Female      Gender = "female"
	Unspecified Gender = "unspecified"
)

// BehaviorStyle is how the patient talks during the interview
type BehaviorStyle string

const (
	Cooperative BehaviorStyle = "cooperative"
	Anxious     BehaviorStyle = "anxious"
	Talkative   BehaviorStyle = "talkative"
	Reserved    BehaviorStyle = "reserved"
	Irritable   BehaviorStyle = "irritable"
)

// BehaviorStyles lists the five fixed styles.
var BehaviorStyles = []BehaviorStyle{Cooperative, Anxious, Talkative, Reserved, Irritable}

// Describe returns the role-play guidance for the style.
func (b BehaviorStyle) Describe() string {
	switch b {
	case Cooperative:
		return "You answer openly and precisely and volunteer relevant details."
	case Anxious:
		return "You are worried, ask whether it is something serious and need reassurance."
	case Talkative:
		return "You talk a lot, drift into unrelated stories and must be steered back."
	case Reserved:
		return "You answer briefly and only say more when asked specifically."
	case Irritable:
		return "You are impatient and annoyed by long waiting times and repeated questions."
	default:
		return "You answer naturally."
	}
}

var (
	maleNames   = []string{"Thomas Berger", "Lukas Schmidt", "Jonas Weber", "Michael Wagner", "Felix Hoffmann", "Stefan Becker"}
	femaleNames = []string{"Anna Fischer", "Laura Keller", "Sophie Braun", "Julia Richter", "Maria Schulz", "Lena Koch"}
	jobs        = []string{"teacher", "nurse", "electrician", "software developer", "retail clerk", "farmer", "student", "retired bus driver", "accountant"}
)

// Case is the immutable per-session scenario plus derived patient attributes.
type Case struct {
	ScenarioID      string        `json:"scenario_id"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	ExaminationHint string        `json:"examination_hint"`
	Age             int           `json:"age"`
	Gender          Gender        `json:"gender"`
	Job             string        `json:"job"`
	Name            string        `json:"name"`
	Behavior        BehaviorStyle `json:"behavior"`
}

// Selector picks scenarios from a Source.
type Selector struct {
	src Source
	rng *rand.Rand
	mu  sync.Mutex
}

// NewSelector creates a selector. A nil rng is seeded from the clock.
func NewSelector(src Source, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{src: src, rng: rng}
}

// Select returns the case for id, or a random one when id is empty.
func (s *Selector) Select(id string) (*Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sc Scenario
	if id == "" {
		all := s.src.Scenarios()
		if len(all) == 0 {
			return nil, fmt.Errorf("case source is empty")
		}
		sc = all[s.rng.Intn(len(all))]
	} else {
		var ok bool
		sc, ok = s.src.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, id)
		}
	}

	c := &Case{
		ScenarioID:      sc.ID,
		Title:           sc.Title,
		Description:     sc.Description,
		ExaminationHint: sc.ExaminationHint,
		Age:             sc.Age,
		Gender:          ParseGender(sc.Gender),
		Job:             sc.Job,
	}

	if c.Age < MinAge {
		c.Age = MinAge + s.rng.Intn(maxRandomAge-MinAge+1)
	}
	if c.Gender == Unspecified && strings.TrimSpace(sc.Gender) == "" {
		if s.rng.Intn(2) == 0 {
			c.Gender = Male
		} else {
			c.Gender = Female
		}
	}
	if c.Job == "" {
		c.Job = jobs[s.rng.Intn(len(jobs))]
	}
	c.Name = s.pickName(c.Gender)
	c.Behavior = BehaviorStyles[s.rng.Intn(len(BehaviorStyles))]

	return c, nil
}

func (s *Selector) pickName(g Gender) string {
	switch g {
	case Male:
		return maleNames[s.rng.Intn(len(maleNames))]
	case Female:
		return femaleNames[s.rng.Intn(len(femaleNames))]
	default:
		all := append(append([]string{}, maleNames...), femaleNames...)
		return all[s.rng.Intn(len(all))]
	}
}

// ParseGender maps a source cell to a Gender. Unknown values are Unspecified.
func ParseGender(v string) Gender {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "m", "male", "man":
		return Male
	case "f", "w", "female", "woman":
		return Female
	default:
		return Unspecified
	}
}

package timetable

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

const (
	DefaultMaxAttempts             = 50
	DefaultDayRetries              = 20
	DefaultDailyModuleCap          = 2
	DefaultSecondChoiceProbability = 0.3
)

// Options tunes the generator. Zero values fall back to the defaults.
type Options struct {
	MaxAttempts    int
	DayRetries     int
	DailyModuleCap int
	// SecondChoiceProbability is the chance of taking the runner-up candidate.
	// A negative value disables the perturbation.
	SecondChoiceProbability float64
	// Resolver overrides the name based identity resolver.
	Resolver IdentityResolver
	// Rand is the only source of randomness of a run. A fixed seed reproduces
	// a fixed schedule.
	Rand *rand.Rand
}

// Scheduler fills every teaching hour of a session with a feasible module.
type Scheduler struct {
	opts Options
	rng  *rand.Rand
}

// NewScheduler applies defaults to the options.
func NewScheduler(opts Options) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DayRetries <= 0 {
		opts.DayRetries = DefaultDayRetries
	}
	if opts.DailyModuleCap <= 0 {
		opts.DailyModuleCap = DefaultDailyModuleCap
	}
	switch {
	case opts.SecondChoiceProbability < 0:
		opts.SecondChoiceProbability = 0
	case opts.SecondChoiceProbability == 0:
		opts.SecondChoiceProbability = DefaultSecondChoiceProbability
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{opts: opts, rng: rng}
}

// NewSeededScheduler is a convenience for reproducible runs.
func NewSeededScheduler(seed int64, opts Options) *Scheduler {
	opts.Rand = rand.New(rand.NewSource(seed))
	return NewScheduler(opts)
}

// Options returns the effective options.
func (s *Scheduler) Options() Options {
	return s.opts
}

// Result is a successful generation run.
type Result struct {
	SessionID      string           `json:"sessionId"`
	GroupSchedules []GroupSchedule  `json:"groupSchedules"`
	Assignments    []Assignment     `json:"assignments"`
	Stats          []CompletionStat `json:"stats"`
	Requirements   Requirements     `json:"-"`
	Plan           AssignmentPlan   `json:"plan"`
	AttemptsUsed   int              `json:"attemptsUsed"`
	// Bottlenecks lists the diagnostic module of every failed attempt.
	Bottlenecks []string `json:"bottlenecks,omitempty"`
	// From and To bound the dates written by this run.
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Generate runs bounded attempts until one fills every day of the session.
// On failure it returns a *SchedulingFailure and no schedule. Cancellation of
// ctx aborts between day attempts with ctx.Err().
func (s *Scheduler) Generate(ctx context.Context, snap Snapshot) (*Result, error) {
	session := snap.Session
	if session.HoursPerDay <= 0 {
		return nil, &SchedulingFailure{Kind: FailureMisconfiguration, Reason: "session has no teaching hours per day"}
	}
	days := session.SchedulableDays()
	if len(days) == 0 {
		return nil, &SchedulingFailure{Kind: FailureMisconfiguration, Reason: fmt.Sprintf("session %s has no schedulable days", session.ID)}
	}
	groups := snap.Groups()
	if len(groups) == 0 {
		return nil, &SchedulingFailure{Kind: FailureMisconfiguration, Reason: "roster has no groups"}
	}

	req := CalculateRequirements(snap.Specialties, snap.Modules, session)
	if failure := checkTrainerPools(groups, snap.Modules, req.Table, snap.Trainers); failure != nil {
		return nil, failure
	}

	resolver := s.opts.Resolver
	if resolver == nil {
		resolver = NewNameResolver(snap.Trainers)
	}
	persistence := BuildPersistenceMap(snap.PriorAssignments, session.ID)
	moduleIDs := moduleOrder(snap.Modules, req.Table)

	var bottlenecks []string
	for offset := 0; offset < s.opts.MaxAttempts; offset++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plan := PlanAssignments(groups, snap.Modules, req.Table, snap.Trainers, persistence, offset)
		run := newAttempt(s, session, days, groups, moduleIDs, req, plan, resolver)
		ok, bottleneck, err := run.execute(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			bottlenecks = append(bottlenecks, bottleneck)
			continue
		}
		result := run.result()
		result.Plan = plan
		result.AttemptsUsed = offset + 1
		result.Bottlenecks = bottlenecks
		result.Requirements = req
		result.Stats = ComputeStats(req, result.Assignments)
		return result, nil
	}

	failure := &SchedulingFailure{
		Kind:     FailureInfeasible,
		Reason:   fmt.Sprintf("no feasible schedule for session %s after %d attempts", session.ID, s.opts.MaxAttempts),
		Attempts: s.opts.MaxAttempts,
	}
	if len(bottlenecks) > 0 {
		failure.BottleneckModuleID = bottlenecks[len(bottlenecks)-1]
	}
	return nil, failure
}

// moduleOrder lists the modules present in the table in configuration order,
// with the filler last.
func moduleOrder(modules []Module, table RequirementTable) []string {
	present := make(map[string]bool)
	for _, row := range table {
		for moduleID, hours := range row {
			if hours > 0 {
				present[moduleID] = true
			}
		}
	}
	var out []string
	seen := make(map[string]bool)
	for _, module := range modules {
		if module.ID == FillerModuleID || !present[module.ID] || seen[module.ID] {
			continue
		}
		seen[module.ID] = true
		out = append(out, module.ID)
	}
	if present[FillerModuleID] {
		out = append(out, FillerModuleID)
	}
	return out
}

// attempt is the mutable state of one pass over the session. Remaining hours
// are held in an indexed matrix so a day can be rolled back by value.
type attempt struct {
	s        *Scheduler
	session  Session
	days     []WorkingDay
	groupIDs []string
	modules  []string
	filler   int

	remaining  [][]int
	trainers   [][]TrainerSlotKey
	identities [][]TrainerIdentity
	attainable []bool

	daySlots    [][][]Slot
	assignments []Assignment
}

func newAttempt(s *Scheduler, session Session, days []WorkingDay, groups []Group, modules []string, req Requirements, plan AssignmentPlan, resolver IdentityResolver) *attempt {
	a := &attempt{
		s:          s,
		session:    session,
		days:       days,
		modules:    modules,
		filler:     -1,
		groupIDs:   make([]string, len(groups)),
		remaining:  make([][]int, len(groups)),
		trainers:   make([][]TrainerSlotKey, len(groups)),
		identities: make([][]TrainerIdentity, len(groups)),
		attainable: make([]bool, len(groups)),
		daySlots:   make([][][]Slot, len(days)),
	}
	for mi, moduleID := range modules {
		if moduleID == FillerModuleID {
			a.filler = mi
		}
	}
	dailyCap := s.opts.DailyModuleCap
	for gi, group := range groups {
		groupID := group.ID()
		a.groupIDs[gi] = groupID
		a.remaining[gi] = make([]int, len(modules))
		a.trainers[gi] = make([]TrainerSlotKey, len(modules))
		a.identities[gi] = make([]TrainerIdentity, len(modules))
		attainable := true
		total := 0
		for mi, moduleID := range modules {
			hours := req.Table[groupID][moduleID]
			a.remaining[gi][mi] = hours
			total += hours
			if mi == a.filler {
				a.identities[gi][mi] = fillerIdentity(groupID)
				continue
			}
			if hours > dailyCap*len(days) {
				attainable = false
			}
			key := plan.Trainer(groupID, moduleID)
			a.trainers[gi][mi] = key
			if key != "" {
				a.identities[gi][mi] = resolver.Resolve(moduleID, key)
			}
		}
		a.attainable[gi] = attainable && total <= req.Capacity
	}
	return a
}

// execute walks the days. It reports false with the bottleneck module when a
// day exhausts its retries.
func (a *attempt) execute(ctx context.Context) (bool, string, error) {
	for d, day := range a.days {
		accepted := false
		for retry := 0; retry < a.s.opts.DayRetries; retry++ {
			if err := ctx.Err(); err != nil {
				return false, "", err
			}
			snapshot := cloneMatrix(a.remaining)
			slots, ok := a.fillDay(d, day)
			if ok && a.onTrack(d) {
				a.commitDay(d, day, slots)
				accepted = true
				break
			}
			a.remaining = snapshot
		}
		if !accepted {
			return false, a.bottleneck(), nil
		}
	}
	return true, "", nil
}

func (a *attempt) fillDay(d int, day WorkingDay) ([][]Slot, bool) {
	hours := a.session.HoursOn(day)
	daysAfter := len(a.days) - d - 1
	usage := make([][]int, len(a.groupIDs))
	slots := make([][]Slot, len(a.groupIDs))
	for gi := range usage {
		usage[gi] = make([]int, len(a.modules))
		slots[gi] = make([]Slot, 0, hours)
	}

	for hour := 1; hour <= hours; hour++ {
		busy := make(map[TrainerIdentity]struct{})
		for _, gi := range a.s.rng.Perm(len(a.groupIDs)) {
			candidates := a.candidates(gi, usage[gi], busy)
			if len(candidates) == 0 {
				return nil, false
			}
			mi := a.choose(gi, candidates, daysAfter)
			a.remaining[gi][mi]--
			usage[gi][mi]++
			busy[a.identities[gi][mi]] = struct{}{}
			slots[gi] = append(slots[gi], Slot{
				Hour:           hour,
				ModuleID:       a.modules[mi],
				TrainerSlotKey: a.trainers[gi][mi],
			})
		}
	}
	return slots, true
}

func (a *attempt) candidates(gi int, usage []int, busy map[TrainerIdentity]struct{}) []int {
	var out []int
	for mi := range a.modules {
		if a.remaining[gi][mi] <= 0 {
			continue
		}
		if _, taken := busy[a.identities[gi][mi]]; taken {
			continue
		}
		if mi != a.filler && usage[mi] >= a.s.opts.DailyModuleCap {
			continue
		}
		out = append(out, mi)
	}
	return out
}

// urgent reports whether the module can no longer wait for later days.
func (a *attempt) urgent(gi, mi, daysAfter int) bool {
	if mi == a.filler || !a.attainable[gi] {
		return false
	}
	return a.remaining[gi][mi] > a.s.opts.DailyModuleCap*daysAfter
}

func (a *attempt) choose(gi int, candidates []int, daysAfter int) int {
	sort.SliceStable(candidates, func(i, j int) bool {
		ui, uj := a.urgent(gi, candidates[i], daysAfter), a.urgent(gi, candidates[j], daysAfter)
		if ui != uj {
			return ui
		}
		ri, rj := a.remaining[gi][candidates[i]], a.remaining[gi][candidates[j]]
		if ri != rj {
			return ri > rj
		}
		return candidates[i] < candidates[j]
	})
	if len(candidates) < 2 {
		return candidates[0]
	}
	if a.s.rng.Float64() < a.s.opts.SecondChoiceProbability {
		first, second := candidates[0], candidates[1]
		if a.urgent(gi, first, daysAfter) && !a.urgent(gi, second, daysAfter) {
			return first
		}
		return second
	}
	return candidates[0]
}

// onTrack rejects a finished day that leaves a capped module unreachable with
// the days that remain.
func (a *attempt) onTrack(d int) bool {
	limit := a.s.opts.DailyModuleCap * (len(a.days) - d - 1)
	for gi := range a.groupIDs {
		if !a.attainable[gi] {
			continue
		}
		for mi := range a.modules {
			if mi != a.filler && a.remaining[gi][mi] > limit {
				return false
			}
		}
	}
	return true
}

func (a *attempt) commitDay(d int, day WorkingDay, slots [][]Slot) {
	a.daySlots[d] = slots
	date := dateOnly(day.Date)
	for gi, groupSlots := range slots {
		for _, slot := range groupSlots {
			a.assignments = append(a.assignments, Assignment{
				ModuleID:       slot.ModuleID,
				TrainerSlotKey: slot.TrainerSlotKey,
				GroupID:        a.groupIDs[gi],
				DayIndex:       d,
				Hour:           slot.Hour,
				SessionID:      a.session.ID,
				Date:           date,
			})
		}
	}
}

// bottleneck is the module with the largest outstanding hours across groups.
func (a *attempt) bottleneck() string {
	best, bestHours := "", -1
	for mi, moduleID := range a.modules {
		sum := 0
		for gi := range a.groupIDs {
			sum += a.remaining[gi][mi]
		}
		if sum > bestHours {
			best, bestHours = moduleID, sum
		}
	}
	return best
}

func (a *attempt) result() *Result {
	schedules := make([]GroupSchedule, len(a.groupIDs))
	for gi, groupID := range a.groupIDs {
		days := make([]DaySchedule, 0, len(a.days))
		for d, day := range a.days {
			days = append(days, DaySchedule{Date: dateOnly(day.Date), Slots: a.daySlots[d][gi]})
		}
		schedules[gi] = GroupSchedule{GroupID: groupID, Days: days}
	}
	from, to := dateOnly(a.days[0].Date), dateOnly(a.days[len(a.days)-1].Date)
	if !a.session.Start.IsZero() && dateOnly(a.session.Start).Before(from) {
		from = dateOnly(a.session.Start)
	}
	if !a.session.End.IsZero() && dateOnly(a.session.End).After(to) {
		to = dateOnly(a.session.End)
	}
	return &Result{
		SessionID:      a.session.ID,
		GroupSchedules: schedules,
		Assignments:    a.assignments,
		From:           from,
		To:             to,
	}
}

func cloneMatrix(in [][]int) [][]int {
	out := make([][]int, len(in))
	for i, row := range in {
		out[i] = append([]int(nil), row...)
	}
	return out
}

package config

import "github.com/talismancer/landslide/pkg/arbiter"

// Frozen replaces the original's compile-time `#ifdef` thicket
// (`PINTOS_KERNEL`, `HTM_WEAK_ATOMICITY`, `PREEMPT_EVERYWHERE`,
// `DR_PPS_RESPECT_WITHIN_FUNCTIONS`, `TRUSTED_THR_JOIN`,
// `GUEST_YIELD_ENTER`/`_EXIT`,
// `CONSIDER_ONLY_MOST_RECENT_DPOR_PREFERRED_TID`, `EXPLORE_BACKWARDS`)
// with a runtime record populated once from the static config file at
// process start and passed by reference everywhere thereafter. It is
// never mutated after construction.
type Frozen struct {
	TestingUserspace bool
	Pintos           bool
	Pathos           bool

	ICB               bool
	PreemptEverywhere bool
	PureHappensBefore bool

	HTM              bool
	HTMAbortCodes    bool
	HTMDontRetry     bool
	HTMAbortSets     bool
	HTMWeakAtomicity bool

	FilterDRsByTID              bool
	DRPPsRespectWithinFunctions bool
	TrustedThrJoin              bool
	TestingMutexes              bool

	GuestYieldWindow bool

	ConsiderOnlyMostRecentDPORPreferredTID bool
	ExploreBackwards                       bool

	StrongAtomicity bool

	ICBBound int // <0 disables ICB
	FPBudget int // <=0 uses arbiter.DefaultFPBudget
}

// ToArbiterConfig projects the fields the arbiter's decision procedure
// actually branches on. This is the one place the #ifdef-to-struct-field
// redesign becomes concrete: every point the original resolved at compile
// time, the arbiter now resolves by reading Frozen at runtime, in the same
// decision order (spec.md §4.5.1, §4.5.2).
func (f Frozen) ToArbiterConfig() arbiter.Config {
	return arbiter.Config{
		TestingUserspace:            f.TestingUserspace,
		StrongAtomicity:             f.StrongAtomicity,
		DRPPsRespectWithinFunctions: f.DRPPsRespectWithinFunctions,
		ExploreBackwards:            f.ExploreBackwards,
		PintosSemaphoreSpinExempt:   f.Pintos,
		GuestYieldWindowEnabled:     f.GuestYieldWindow,
		FPBudget:                    f.FPBudget,
	}
}

// FromStatic derives the runtime policy record from the config file a
// worker materialised for this job (spec.md §6.3 -> §9 redesign): every
// flag Static.Write already put in the KEY=VALUE file maps across
// directly, and the handful of Frozen-only knobs the wire format has no
// key for (ICBBound, FPBudget, the DPOR tie-break/backtracking toggles)
// take the original's defaults.
func FromStatic(s Static) Frozen {
	icbBound := -1
	if s.ICB {
		icbBound = defaultICBBound
	}
	return Frozen{
		TestingUserspace: !s.Pintos && !s.Pathos,
		Pintos:           s.Pintos,
		Pathos:           s.Pathos,

		ICB:               s.ICB,
		PreemptEverywhere: s.PreemptEverywhere,
		PureHappensBefore: s.PureHappensBefore,

		HTM:              s.HTM,
		HTMAbortCodes:    s.HTMAbortCodes,
		HTMDontRetry:     s.HTMDontRetry,
		HTMAbortSets:     s.HTMAbortSets,
		HTMWeakAtomicity: s.HTMWeakAtomicity,

		FilterDRsByTID:              s.FilterDRsByTID,
		DRPPsRespectWithinFunctions: s.DRPPsRespectWithinFunctions,
		TrustedThrJoin:              s.TrustedThrJoin,
		TestingMutexes:              s.TestingMutexes,

		// GuestYieldWindow has no wire key; off by default like the
		// original, which only enables it in kernel builds that define
		// GUEST_YIELD_ENTER/_EXIT.
		GuestYieldWindow: false,

		// ConsiderOnlyMostRecentDPORPreferredTID has no wire key: the
		// original hardcodes it unconditionally (arbiter.c:423).
		ConsiderOnlyMostRecentDPORPreferredTID: true,
		ExploreBackwards:                       false,

		// StrongAtomicity is the inverse of the wire-format's weak-atomicity
		// opt-out (spec.md §4.5.1's xchg-blocked/mutex PP classification).
		StrongAtomicity: !s.HTMWeakAtomicity,

		ICBBound: icbBound,
		FPBudget: arbiter.DefaultFPBudget,
	}
}

// defaultICBBound is the original's starting context-switch bound when
// ICB is enabled. It stays fixed for the whole run: nothing in bugdetect
// or schedmodel changes ICBBound after the scheduler is constructed.
const defaultICBBound = 1

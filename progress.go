// Progress reporting for warm-up and migration.
//
// Progress is a small value type with three states. Handlers receive a
// stream of values: one Evaluating while the work list is computed,
// Working values as entries stream through, and a final Complete.
package quire

// ProgressKind tags a Progress value.
type ProgressKind int

const (
	ProgressEvaluating ProgressKind = iota
	ProgressWorking
	ProgressComplete
)

// Progress reports migration state. Current and Total are meaningful
// for Working (Current < Total) and Complete (Current == Total).
type Progress struct {
	Kind    ProgressKind
	Current int64
	Total   int64
}

// Evaluating is the indeterminate state before totals are known.
func Evaluating() Progress { return Progress{Kind: ProgressEvaluating} }

// Working reports current progress against a known total.
func Working(current, total int64) Progress {
	return Progress{Kind: ProgressWorking, Current: current, Total: total}
}

// Complete reports finished work.
func Complete(total int64) Progress {
	return Progress{Kind: ProgressComplete, Current: total, Total: total}
}

// Adding composes two progress values, as when several datastores
// migrate under one handler. Evaluating absorbs everything: a sum with
// an unknown side is unknown. A Working result whose current reaches
// its total clamps to Complete.
func (p Progress) Adding(q Progress) Progress {
	if p.Kind == ProgressEvaluating || q.Kind == ProgressEvaluating {
		return Evaluating()
	}
	current := p.Current + q.Current
	total := p.Total + q.Total
	if p.Kind == ProgressComplete && q.Kind == ProgressComplete {
		return Complete(total)
	}
	if current == total {
		return Complete(total)
	}
	return Working(current, total)
}

// ProgressHandler observes migration progress. A nil handler is valid
// and reports nothing.
type ProgressHandler func(Progress)

func (h ProgressHandler) report(p Progress) {
	if h != nil {
		h(p)
	}
}

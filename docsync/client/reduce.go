package client

import (
	"github.com/bringyour/docsync/docsync"
)

// SpecGenerator produces more specs from the state reached so far.
type SpecGenerator[T any, SpecT any] func(state T) []SpecSource[T, SpecT]

type specSourceKind int

const (
	specSourceNone      specSourceKind = 0
	specSourceSpec      specSourceKind = 1
	specSourceGenerator specSourceKind = 2
)

// SpecSource is a spec, a generator, or nothing (the zero value, which is skipped).
type SpecSource[T any, SpecT any] struct {
	kind      specSourceKind
	spec      SpecT
	generator SpecGenerator[T, SpecT]
}

func Spec[T any, SpecT any](spec SpecT) SpecSource[T, SpecT] {
	return SpecSource[T, SpecT]{
		kind: specSourceSpec,
		spec: spec,
	}
}

func Generator[T any, SpecT any](generator SpecGenerator[T, SpecT]) SpecSource[T, SpecT] {
	if generator == nil {
		return SpecSource[T, SpecT]{}
	}
	return SpecSource[T, SpecT]{
		kind:      specSourceGenerator,
		generator: generator,
	}
}

// Specs wraps plain specs.
func Specs[T any, SpecT any](specs ...SpecT) []SpecSource[T, SpecT] {
	sources := make([]SpecSource[T, SpecT], 0, len(specs))
	for _, spec := range specs {
		sources = append(sources, Spec[T](spec))
	}
	return sources
}

type Reduction[T any, SpecT any] struct {
	State T
	// applying `Delta` to the input state gives `State`
	Delta SpecT
	// number of combined batches applied. Zero means the state is unchanged.
	Applied int
}

type reduceFrame[T any, SpecT any] struct {
	sources []SpecSource[T, SpecT]
	index   int
}

// Reduce applies `sources` in order. Runs of plain specs are combined and applied
// as one batch. A generator first flushes the pending batch, then sees the current state,
// and its output is processed before the sources that follow it.
// Generators are expanded on an explicit stack, so nesting depth is not limited
// by the goroutine stack.
func Reduce[T any, SpecT any](
	context docsync.Context[T, SpecT],
	state T,
	sources []SpecSource[T, SpecT],
) (*Reduction[T, SpecT], error) {
	applied := []SpecT{}
	batch := []SpecT{}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		combined := context.Combine(batch)
		next, err := context.Update(state, combined)
		if err != nil {
			return err
		}
		state = next
		applied = append(applied, combined)
		batch = []SpecT{}
		return nil
	}

	stack := []*reduceFrame[T, SpecT]{{sources: sources}}
	for 0 < len(stack) {
		frame := stack[len(stack)-1]
		if len(frame.sources) <= frame.index {
			stack = stack[:len(stack)-1]
			continue
		}
		source := frame.sources[frame.index]
		frame.index += 1

		switch source.kind {
		case specSourceSpec:
			batch = append(batch, source.spec)
		case specSourceGenerator:
			if err := flush(); err != nil {
				return nil, err
			}
			if next := source.generator(state); 0 < len(next) {
				stack = append(stack, &reduceFrame[T, SpecT]{sources: next})
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return &Reduction[T, SpecT]{
		State:   state,
		Delta:   context.Combine(applied),
		Applied: len(applied),
	}, nil
}

package wasm

import "fmt"

// Validate performs structural validation of index spaces, limits and
// export names. Instruction-level type checking is left to the engine.
func (m *Module) Validate() error {
	numTypes := uint32(len(m.Types))

	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return fmt.Errorf("import %d (%s.%s): type index %d out of range", i, imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
	}
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return fmt.Errorf("function %d: type index %d out of range", i, typeIdx)
		}
	}

	numFuncs := uint32(m.NumFuncs())
	numTables := uint32(m.NumImportedTables() + len(m.Tables))
	numMems := uint32(m.NumImportedMemories() + len(m.Memories))
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))

	for i, t := range m.Tables {
		if err := validateLimits(t.Limits, 1<<32-1); err != nil {
			return fmt.Errorf("table %d: %w", i, err)
		}
	}
	for i, mem := range m.Memories {
		if err := validateLimits(mem.Limits, MaxPages); err != nil {
			return fmt.Errorf("memory %d: %w", i, err)
		}
	}

	seen := make(map[string]struct{}, len(m.Exports))
	for _, e := range m.Exports {
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate export name %q", e.Name)
		}
		seen[e.Name] = struct{}{}

		var limit uint32
		switch e.Kind {
		case KindFunc:
			limit = numFuncs
		case KindTable:
			limit = numTables
		case KindMemory:
			limit = numMems
		case KindGlobal:
			limit = numGlobals
		}
		if e.Idx >= limit {
			return fmt.Errorf("export %q: index %d out of range", e.Name, e.Idx)
		}
	}

	if m.Start != nil {
		ft := m.GetFuncType(*m.Start)
		if ft == nil {
			return fmt.Errorf("start function %d out of range", *m.Start)
		}
		if len(ft.Params) != 0 || len(ft.Results) != 0 {
			return fmt.Errorf("start function %d must have type () -> (), got %s", *m.Start, ft)
		}
	}

	for i, el := range m.Elements {
		if el.Active() && el.TableIdx >= numTables {
			return fmt.Errorf("element %d: table index %d out of range", i, el.TableIdx)
		}
		for _, f := range el.FuncIdxs {
			if f != NullFunc && f >= numFuncs {
				return fmt.Errorf("element %d: function index %d out of range", i, f)
			}
		}
	}

	for i, d := range m.Data {
		if d.Active() && d.MemIdx >= numMems {
			return fmt.Errorf("data %d: memory index %d out of range", i, d.MemIdx)
		}
	}

	if len(m.Code) != len(m.Funcs) {
		return fmt.Errorf("%d functions declared but %d bodies present", len(m.Funcs), len(m.Code))
	}
	return nil
}

func validateLimits(l Limits, max uint64) error {
	if !l.Memory64 && l.Min > max {
		return fmt.Errorf("minimum %d exceeds %d", l.Min, max)
	}
	if l.Max != nil {
		if *l.Max < l.Min {
			return fmt.Errorf("maximum %d below minimum %d", *l.Max, l.Min)
		}
		if !l.Memory64 && *l.Max > max {
			return fmt.Errorf("maximum %d exceeds %d", *l.Max, max)
		}
	}
	return nil
}

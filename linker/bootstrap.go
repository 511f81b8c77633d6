package linker

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/object"
	"github.com/wippyai/wasm-aot/runtime"
)

// BootstrapName is the file name of the synthesized translation unit.
const BootstrapName = "wasmaot_main.c"

// Bootstrap is the synthesized entry translation unit.
type Bootstrap struct {
	Source []byte
	Entry  int      // index of the entry module
	Mocked []string // import symbols given stub implementations, sorted
	// Tables are the imported tables, as module.name, left as tables of
	// null entries.
	Tables []string
}

// Synthesize writes the C program that hands every module's descriptor to
// wasmaot_rt_main. The entry module is the one whose prefix is entry, or
// the first when entry is empty. With mock set, imports the runtime does
// not implement get stubs that report the call on stderr and return zero,
// imported globals are defined as zero and imported tables start out null.
// Without mock an imported table is an error, since no host can supply one.
func Synthesize(modules []*object.Manifest, entry string, mock bool) (*Bootstrap, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("no modules to link")
	}
	b := &Bootstrap{Entry: -1}
	seen := make(map[string]bool, len(modules))
	for i, m := range modules {
		if seen[m.Prefix] {
			return nil, fmt.Errorf("two modules share the symbol prefix %q", m.Prefix)
		}
		seen[m.Prefix] = true
		if m.Prefix == entry || (entry == "" && i == 0) {
			b.Entry = i
		}
	}
	if b.Entry < 0 {
		return nil, fmt.Errorf("no module has the entry prefix %q", entry)
	}

	for _, m := range modules {
		if m.Table == nil {
			continue
		}
		name := m.Table.Module + "." + m.Table.Name
		if !mock {
			return nil, errors.Linker(fmt.Sprintf("module %s imports table %s, which no host provides; link with --mock-missing-imports", m.Prefix, name), "", nil)
		}
		b.Tables = append(b.Tables, name)
	}

	type stub struct {
		module, name string
		global       bool
	}
	stubs := map[string]stub{}
	if mock {
		for _, m := range modules {
			for _, imp := range m.Imports {
				if !runtime.Provides(imp.Module, imp.Name) {
					stubs[imp.Symbol] = stub{module: imp.Module, name: imp.Name}
				}
			}
			for _, g := range m.Globals {
				stubs[g.Symbol] = stub{module: g.Module, name: g.Name, global: true}
			}
		}
		for sym := range stubs {
			b.Mocked = append(b.Mocked, sym)
		}
		sort.Strings(b.Mocked)
	}

	var src bytes.Buffer
	fmt.Fprintf(&src, "/* Generated by wasmaot. Do not edit. */\n")
	fmt.Fprintf(&src, "#include <stdio.h>\n#include \"%s\"\n\n", runtime.HeaderName)
	for _, m := range modules {
		fmt.Fprintf(&src, "extern const wasmaot_module %s;\n", m.Descriptor)
	}
	if len(b.Mocked) > 0 {
		src.WriteString("\n")
		for _, sym := range b.Mocked {
			s := stubs[sym]
			if s.global {
				fmt.Fprintf(&src, "/* global %s.%s */\nuint64_t %s = 0;\n\n", s.module, s.name, sym)
				continue
			}
			fmt.Fprintf(&src, "uint64_t %s(wasmaot_vmctx *vm)\n{\n", sym)
			src.WriteString("\tstatic int reported;\n\n\t(void)vm;\n")
			fmt.Fprintf(&src, "\tif (!reported++)\n\t\tfprintf(stderr, \"wasmaot: import %%s.%%s is not implemented\\n\", %q, %q);\n", s.module, s.name)
			src.WriteString("\treturn 0;\n}\n\n")
		}
	} else {
		src.WriteString("\n")
	}
	src.WriteString("static const wasmaot_module *const modules[] = {\n")
	for _, m := range modules {
		fmt.Fprintf(&src, "\t&%s,\n", m.Descriptor)
	}
	src.WriteString("};\n\n")
	src.WriteString("int main(int argc, char **argv)\n{\n")
	fmt.Fprintf(&src, "\treturn wasmaot_rt_main(argc, argv, modules, %d, %d);\n}\n", len(modules), b.Entry)
	b.Source = src.Bytes()
	return b, nil
}

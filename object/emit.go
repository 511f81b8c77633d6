package object

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
)

// Options configures Emit.
type Options struct {
	Logger *zap.Logger
	// Name is the module name recorded in the manifest.
	Name string
	// Timestamp is the COFF TimeDateStamp. Zero keeps output reproducible.
	Timestamp uint32
}

// SectionInfo summarizes one emitted section.
type SectionInfo struct {
	Name   string
	Size   int
	Relocs int
}

// SymbolInfo summarizes one symbol as it appears in the object.
type SymbolInfo struct {
	Name    string
	Section string // empty when undefined
	Offset  uint64
	Size    uint64
	Global  bool
}

// Artifact is an emitted object or archive. It is not modified after Emit
// returns.
type Artifact struct {
	Format   target.Format
	Bytes    []byte
	Sections []SectionInfo
	Symbols  []SymbolInfo
	Manifest Manifest
}

// Emit serializes a compiled module into the object format of t.
func Emit(cm *compiler.CompiledModule, prefix symbols.Prefix, t target.Target, opts Options) (*Artifact, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	format := t.ObjectFormat()
	if t.Backend() == target.BackendNone {
		return nil, errors.ObjectFormat(format.String(), "no emitter for %s", t)
	}
	if cm.Target.Arch != t.Arch {
		return nil, errors.ObjectFormat(format.String(), "module compiled for %s cannot be emitted for %s", cm.Target.Arch, t.Arch)
	}
	grammar := symbols.GrammarFor(format)
	if err := grammar.ValidPrefix(string(prefix)); err != nil {
		return nil, err
	}

	o, err := layout(cm, prefix, t, newManifest(cm, prefix, opts.Name))
	if err != nil {
		return nil, err
	}
	for s := secID(0); s < numSections; s++ {
		log.Debug("laid out section",
			zap.String("section", sectionNames[s]),
			zap.Int("bytes", len(o.sections[s].data)),
			zap.Int("relocs", len(o.sections[s].relocs)))
	}

	var data []byte
	switch format {
	case target.FormatELF:
		data, err = writeELF(o)
	case target.FormatMachO:
		data, err = writeMachO(o)
	case target.FormatCOFF:
		data, err = writeCOFF(o, opts.Timestamp)
	default:
		return nil, errors.ObjectFormat(format.String(), "unsupported object format")
	}
	if err != nil {
		if errors.KindOf(err) == "" {
			err = errors.Wrap(errors.PhaseEmit, errors.KindObjectFormat, err, "write "+format.String())
		}
		return nil, err
	}

	a := &Artifact{Format: t.Format, Bytes: data, Manifest: o.manifest}
	if t.Format == target.FormatArchive {
		kind := archiveGNU
		if format == target.FormatMachO {
			kind = archiveBSD
		}
		if a.Bytes, err = writeArchive(kind, memberName(prefix, t), data, o.exported(grammar)); err != nil {
			return nil, err
		}
	}
	a.Sections, a.Symbols = o.summary(grammar)

	log.Info("object emitted",
		zap.String("format", t.Format.String()),
		zap.String("prefix", string(prefix)),
		zap.Int("bytes", len(a.Bytes)),
		zap.Int("symbols", len(a.Symbols)))
	return a, nil
}

func memberName(prefix symbols.Prefix, t target.Target) string {
	ext := ".o"
	if t.ObjectFormat() == target.FormatCOFF {
		ext = ".obj"
	}
	if name := string(prefix) + ext; len(name) <= 15 {
		return name
	}
	return "module" + ext
}

// exported lists the decorated names of defined global symbols.
func (o *object) exported(g symbols.Grammar) []string {
	var out []string
	for i := range o.syms {
		if s := &o.syms[i]; s.global && s.defined() {
			out = append(out, g.Decorate(s.name))
		}
	}
	return out
}

func (o *object) summary(g symbols.Grammar) ([]SectionInfo, []SymbolInfo) {
	secs := make([]SectionInfo, 0, numSections)
	for s := secID(0); s < numSections; s++ {
		secs = append(secs, SectionInfo{
			Name:   sectionNames[s],
			Size:   len(o.sections[s].data),
			Relocs: len(o.sections[s].relocs),
		})
	}
	syms := make([]SymbolInfo, 0, len(o.syms))
	for i := range o.syms {
		s := &o.syms[i]
		info := SymbolInfo{Name: g.Decorate(s.name), Offset: s.value, Size: s.size, Global: s.global}
		if s.defined() {
			info.Section = sectionNames[s.sec]
		}
		syms = append(syms, info)
	}
	return secs, syms
}

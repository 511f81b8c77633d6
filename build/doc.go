// Package build drives one compilation from module bytes to an object or
// an executable.
//
// Every call to Build walks a fresh state machine:
//
//	Resolving -> Compiling -> Emitting -> Linking -> Done
//
// Linking is skipped in ModeObject, and any state may move to Failed, which
// records the error kind. Progress is reported to a ProgressSink as Events:
// one working/done pair per stage and one StatusFunction event per compiled
// function.
package build

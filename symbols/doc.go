// Package symbols derives collision-free symbol names for compiled modules.
//
// Every symbol a module defines is spelled prefix + "_" + local-name. The
// prefix comes from PrefixFor: a user override validated against the object
// format's identifier grammar, or a truncated content hash of the module
// bytes. A Prefixer memoizes the result per module for the duration of one
// build.
//
// Export names are mangled into the identifier alphabet (see Mangle), while
// internal metadata symbols use local names starting with '_' and a
// lowercase letter, a shape no mangled export can take:
//
//	m1_add              export "add"
//	m1__descriptor      module descriptor consumed by the bootstrap
//	m1__func3           body of function 3
//	m1__traps           trap table
//	wasmhost_env_Iprint import env.print
//	wasmaot_rt_trap     runtime routine
package symbols

// Package pipes provides the built-in stage types of pipechain and the
// Factory that turns definition entries into pipeline stages.
//
// Option values may reference earlier stages: ${name} expands to the value
// of the item the stage named "name" yielded last, ${name.attr} to one of
// its attributes (id, stage and value are always available). ${upstream}
// refers to the item the stage was activated with.
//
// Failures tied to a single item, such as a missing file or a malformed
// image, end that activation and are reported as stage errors. A reference
// to a stage that has not yielded anything yet is a configuration mistake
// and aborts the run.
package pipes

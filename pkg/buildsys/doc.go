// Package buildsys runs the tasks declared in tasks.star. Tasks are declared in
// Starlark and their commands run in the mvdan.cc/sh interpreter so the same
// script works on macOS, Linux and Windows.
//
// Besides task(), scripts have access to the setup steps (patch_file,
// find_one, relocate) so custom libraries can be prepared the same way the
// built-in pipelines prepare libspng.
package buildsys

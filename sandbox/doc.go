// Package sandbox confines an agent's filesystem access to a single root
// directory.
//
// Containment is checked lexically, before any symlink resolution: a path
// is resolved against the root, cleaned, and rejected if it does not
// descend from the root. Only after that check may symlinks be followed.
// Symlinks that point outside the root are legitimate only when the
// kernel itself created them (for example a read-only view of a shared
// tree); agent-held handles cannot create them.
package sandbox

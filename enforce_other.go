//go:build !unix

package aegis

// enforce is a no-op where the OS offers no cross-process resource
// controls. Quotas remain bookkeeping only.
func (g *Governor) enforce(agentID string, pid int, q Quota) error {
	g.log.Warn().Str("agent", agentID).Int("pid", pid).
		Msg("resource enforcement not supported on this platform, quota is advisory")
	return nil
}

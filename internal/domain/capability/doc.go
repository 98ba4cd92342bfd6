// Package capability implements the kernel's capability table.
//
// A capability binds a subject (V-Node name) to a resource URI with a set of
// rights. Nothing in the kernel is reachable without one: sending requires
// connect and write on the destination endpoint, allocating requires write on
// the memory pool, and granting requires administer over the resource.
//
// Features:
//   - O(1) checks for exact (subject, resource) entries
//   - Resource-class entries ("svc://**") matched with doublestar patterns
//   - Delegation tree: every grant records the administer capability it came from
//   - Cascading revocation in creation order with invalidation hooks
//   - Ring-buffer audit log of grants, revocations and denials
//
// Example Usage:
//
//	table := capability.NewTable(logger, 512)
//	_ = table.Bootstrap("loader", []string{"svc://**"}, capability.All)
//	_, err := table.Grant("mail-service", "svc://dns", capability.Connect|capability.Write, "loader")
//	ok := table.Check("mail-service", "svc://dns", capability.Write)
//	n, err := table.Revoke("mail-service", "svc://dns")
package capability

// Package agent manages the pool of human support agents.
//
// # Registry
//
// The Registry wraps the store's agent records:
//
//	reg := agent.NewRegistry(store, logger)
//
// Key operations:
//
//   - Register(ctx, profile): Add a new agent (admin API)
//   - Seed(ctx, profiles): Upsert the agents listed in config
//   - SetAvailable(ctx, handle, on): Availability commands from the gateway
//   - SetActive(ctx, handle, on): Enable or disable an agent for routing
//   - LeastBusy(ctx): Pick the next agent for a new chat
//
// # Selection
//
// SelectAgent implements least-busy routing. An agent is eligible when it is
// active, available and holds no current session. Among eligible agents the
// one with the smallest TotalHandled wins; ties go to the first agent in
// registration order.
//
// Selection is advisory. The reservation itself happens in
// store.AssignSession, which re-checks eligibility inside its transaction.
package agent

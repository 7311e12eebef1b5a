// Package actions dispatches rule actions by name.
//
// The built-in actions are log, update_context_field, raise_alert,
// schedule_follow_up and emit_notification. Hosts add their own handlers with
// Registry.Register under a unique name, declaring whether the handler only
// reports (Advisory), delivers something outside the context
// (SideEffecting) or writes context data (Mutating). That declaration decides
// whether rules using the action may be cached and whether they may run in
// parallel with other rules.
//
// String parameters may reference context values:
//
//	parameters:
//	  message: "budget {{ budget }} exceeds the cap for {{ context.id }}"
//	  value: "{{ review.score }}"   # whole-string reference keeps the type
//
// Execute never fails: handler errors, panics, unknown names and timeouts
// are reported in the returned ActionResult.
package actions

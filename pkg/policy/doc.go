// Package policy decides which users may act on an execution.
//
// Decisions are made by a Rego module evaluated with OPA. The module must
// define data.carmin.executions.allow; it receives the input
//
//	{
//	    "user":   {"username": "jane", "role": "user"},
//	    "action": "kill",
//	    "owner":  "jane"
//	}
//
// DefaultModule lets owners do anything with their executions and admins
// do anything except play and update them. Operators may replace it with
// their own module through the accessPolicyPath platform property.
package policy

// ABOUTME: Operator identity carried through admin request handlers
// ABOUTME: Provides WithOperator/OperatorFrom for propagating the token subject via context

package auth

import "context"

type operatorKey struct{}

// WithOperator returns a new context carrying the authenticated operator.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

// OperatorFrom returns the operator attached by the middleware, or "" when
// the request was not authenticated.
func OperatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}

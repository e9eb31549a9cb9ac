package mqttc

import "context"

// ClientEnhancedAuthContext carries one step of a v5 enhanced
// authentication exchange.
type ClientEnhancedAuthContext struct {
	// AuthMethod is the method named by the server.
	AuthMethod string

	// AuthData is the authentication data from the AUTH or CONNACK packet.
	AuthData []byte

	ReasonCode ReasonCode

	// State is what the authenticator returned from its previous step.
	State any
}

// ClientEnhancedAuthResult is the outcome of one authenticator step.
type ClientEnhancedAuthResult struct {
	// Done indicates no more exchanges are needed.
	Done bool

	// AuthData is sent to the server.
	AuthData []byte

	// State is handed back on the next step.
	State any
}

// ClientEnhancedAuthenticator drives v5 enhanced authentication.
type ClientEnhancedAuthenticator interface {
	// AuthMethod returns the method name, e.g. "SCRAM-SHA-256".
	AuthMethod() string

	// AuthStart returns the initial data carried in CONNECT.
	AuthStart(ctx context.Context) (*ClientEnhancedAuthResult, error)

	// AuthContinue answers an AUTH packet with reason Continue
	// Authentication.
	AuthContinue(ctx context.Context, authCtx *ClientEnhancedAuthContext) (*ClientEnhancedAuthResult, error)
}

// ClientAuthVerifier is implemented by authenticators that check the data
// the server sends with its final CONNACK, such as a SCRAM server signature.
// An error fails the connection attempt.
type ClientAuthVerifier interface {
	AuthComplete(ctx context.Context, authCtx *ClientEnhancedAuthContext) error
}

// authExchange tracks one connection's enhanced authentication.
type authExchange struct {
	auth  ClientEnhancedAuthenticator
	state any
}

// start fills the authentication properties of connect.
func (a *authExchange) start(ctx context.Context, connect *ConnectPacket) error {
	res, err := a.auth.AuthStart(ctx)
	if err != nil {
		return err
	}
	a.state = res.State

	connect.Props.Set(PropAuthenticationMethod, a.auth.AuthMethod())
	if len(res.AuthData) > 0 {
		connect.Props.Set(PropAuthenticationData, res.AuthData)
	}
	return nil
}

// step answers a server AUTH packet with the next client AUTH packet.
func (a *authExchange) step(ctx context.Context, p *AuthPacket) (*AuthPacket, error) {
	if p.Method() != a.auth.AuthMethod() {
		return nil, newProtocolViolation(ReasonProtocolError,
			"AUTH method %q does not match %q", p.Method(), a.auth.AuthMethod())
	}

	res, err := a.auth.AuthContinue(ctx, &ClientEnhancedAuthContext{
		AuthMethod: p.Method(),
		AuthData:   p.Data(),
		ReasonCode: p.ReasonCode,
		State:      a.state,
	})
	if err != nil {
		return nil, err
	}
	a.state = res.State

	out := &AuthPacket{ReasonCode: ReasonContinueAuth}
	out.Props.Set(PropAuthenticationMethod, a.auth.AuthMethod())
	if len(res.AuthData) > 0 {
		out.Props.Set(PropAuthenticationData, res.AuthData)
	}
	return out, nil
}

// complete lets the authenticator verify the successful CONNACK.
func (a *authExchange) complete(ctx context.Context, connack *ConnackPacket) error {
	v, ok := a.auth.(ClientAuthVerifier)
	if !ok {
		return nil
	}
	return v.AuthComplete(ctx, &ClientEnhancedAuthContext{
		AuthMethod: connack.Props.GetString(PropAuthenticationMethod),
		AuthData:   connack.Props.GetBinary(PropAuthenticationData),
		ReasonCode: connack.ReasonCode,
		State:      a.state,
	})
}

package capture

import "fmt"

// AuthMethod names a connection-establishment strategy. Only the
// allow-list is this package's concern; the flow mechanics themselves
// (PKCE redirects, device-code polling, CLI token import, manual paste)
// belong to the caller that implements Refresher.
type AuthMethod string

const (
	AuthAuthorizationCodePKCE AuthMethod = "authorization-code-pkce"
	AuthDeviceCode            AuthMethod = "device-code"
	AuthCLIImport             AuthMethod = "cli-import"
	AuthManualToken           AuthMethod = "manual-token"
)

var validAuthMethods = map[AuthMethod]bool{
	AuthAuthorizationCodePKCE: true,
	AuthDeviceCode:            true,
	AuthCLIImport:             true,
	AuthManualToken:           true,
}

// ValidateAuthMethods checks a configured preference ordering against the
// fixed allow-list, rejecting unknown methods and empty input.
func ValidateAuthMethods(preferred []string) error {
	if len(preferred) == 0 {
		return fmt.Errorf("capture: auth.preferredMethods must list at least one method")
	}
	for _, m := range preferred {
		if !validAuthMethods[AuthMethod(m)] {
			return fmt.Errorf("capture: unknown auth method %q", m)
		}
	}
	return nil
}

package env

import (
	"fmt"
	"os"
	"strconv"
)

// Keys written to the temporary run env file
const (
	KeyPort           = "PORT"
	KeyAPIURL         = "REACT_APP_API_URL"
	KeyServerPort     = "SERVER_PORT"
	KeyNodeEnv        = "NODE_ENV"
	KeyBrowser        = "BROWSER"
	KeyCypressBaseURL = "CYPRESS_BASE_URL"
)

// RunVars are the values a run derives from its port allocation
type RunVars struct {
	FrontendPort int
	BackendPort  int
	APIPath      string
	NodeEnv      string
}

// FrontendURL is the URL the browser tests should open
func (v RunVars) FrontendURL() string {
	return fmt.Sprintf("http://localhost:%d", v.FrontendPort)
}

// BackendURL is the API base the frontend should call
func (v RunVars) BackendURL() string {
	return fmt.Sprintf("http://localhost:%d%s", v.BackendPort, v.APIPath)
}

// FileVars returns the contents of the temporary env file
func (v RunVars) FileVars() map[string]string {
	return map[string]string{
		KeyPort:       strconv.Itoa(v.FrontendPort),
		KeyAPIURL:     v.BackendURL(),
		KeyServerPort: strconv.Itoa(v.BackendPort),
		KeyNodeEnv:    v.NodeEnv,
		KeyBrowser:    "none",
	}
}

// Placeholders returns the ${NAME} values available in patch replacements,
// health URLs and command arguments
func (v RunVars) Placeholders() map[string]string {
	return map[string]string{
		"FRONTEND_PORT": strconv.Itoa(v.FrontendPort),
		"BACKEND_PORT":  strconv.Itoa(v.BackendPort),
		"FRONTEND_URL":  v.FrontendURL(),
		"BACKEND_URL":   v.BackendURL(),
	}
}

// Expand substitutes ${NAME} / $NAME placeholders from vars. Unknown names are
// left untouched so regexp references like ${1} survive.
func Expand(s string, vars map[string]string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

package session

// Route describes a navigation target and its access rule.
type Route struct {
	Name         string
	RequiresAuth bool
	Guest        bool
}

var (
	RouteChat     = Route{Name: "chat", RequiresAuth: true}
	RouteLogin    = Route{Name: "login", Guest: true}
	RouteRegister = Route{Name: "register", Guest: true}
)

// Guard returns where navigation to `to` should actually land.
func (m *Manager) Guard(to Route) Route {
	loggedIn := m.LoggedIn()
	switch {
	case to.RequiresAuth && !loggedIn:
		return RouteLogin
	case to.Guest && loggedIn:
		return RouteChat
	default:
		return to
	}
}

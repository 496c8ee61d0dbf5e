package middleware

import "github.com/gin-gonic/gin"

const identityKey = "auth.identity"

// Identity is the authenticated caller attached to the request context.
// Handlers receive this instead of a raw user row so they cannot
// accidentally depend on fields the gate did not verify.
type Identity struct {
	UserID uint
	Email  string
	Role   string
	Status string
}

func setIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
}

// CurrentIdentity returns the identity attached by the authentication
// gate. ok is false on public routes and in local mode.
func CurrentIdentity(c *gin.Context) (Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/aima-platform/gpu-orchestrator/internal/checkauth"
)

// adminSubjects is the set of JWT `sub` claims allowed to hit admin-only
// routes (master key management). Small
// deployments configure this directly rather than modeling roles in the
// store, since the identity provider — not this service — owns role
// assignment.
func adminSubjects() map[string]struct{} {
	set := map[string]struct{}{}
	for _, s := range strings.Split(os.Getenv("ADMIN_SUBJECTS"), ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// RequireAdminMiddleware rejects requests whose verified principal is not in
// ADMIN_SUBJECTS. Must run after BearerAuthMiddleware.
func RequireAdminMiddleware(next http.Handler) http.Handler {
	allowed := adminSubjects()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := checkauth.GetUserFromContext(r.Context())
		if user == nil {
			unauthorized(w, "Authentication required")
			return
		}
		if _, ok := allowed[user.PrincipalSubject]; !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"forbidden","message":"Admin access required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

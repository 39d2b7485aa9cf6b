package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/checkauth"
	"github.com/aima-platform/gpu-orchestrator/internal/dispatcher"
	"github.com/aima-platform/gpu-orchestrator/internal/eventbus"
	"github.com/aima-platform/gpu-orchestrator/internal/metrics"
	"github.com/aima-platform/gpu-orchestrator/internal/middleware"
	"github.com/aima-platform/gpu-orchestrator/internal/objects"
	"github.com/aima-platform/gpu-orchestrator/internal/secrets"
	"github.com/aima-platform/gpu-orchestrator/internal/store"

	"github.com/rs/cors"
)

var (
	// Singleton instance of the app's ServeMux
	appMux *http.ServeMux
	// Event bus for the singleton
	singletonBus *eventbus.Bus
	// Master key manager for secrets (singleton)
	singletonKeyManager *secrets.MasterKeyManager
	// Dispatcher managing worker control-channel connections (singleton)
	singletonDispatcher *dispatcher.Dispatcher
	// Cold-store object backend for job logs (singleton, may stay nil)
	singletonObjectStore objects.ObjectStore
)

// SetObjectStore registers the cold-store backend used to serve job logs.
// Must be called before the first GetAppMux*/NewRouter call takes effect.
func SetObjectStore(store objects.ObjectStore) {
	singletonObjectStore = store
}

// GetAppMux returns the application's HTTP ServeMux for both API and tests
// This ensures all tests use the same router configuration as the actual application
func GetAppMux() *http.ServeMux {
	return GetAppMuxWithBus(nil, nil)
}

// GetAppMuxWithBus returns the application's HTTP ServeMux with an explicit
// event bus and dispatcher (tests substitute their own of each).
func GetAppMuxWithBus(bus *eventbus.Bus, disp *dispatcher.Dispatcher) *http.ServeMux {
	if appMux == nil {
		singletonBus = bus
		singletonDispatcher = disp
		appMux = createAppMux()
	}
	return appMux
}

// ResetAppMux resets the app mux singleton (useful for testing)
func ResetAppMux() {
	appMux = nil
	singletonBus = nil
	singletonKeyManager = nil
	singletonDispatcher = nil
}

// createAppMux creates and configures the application ServeMux with all routes
func createAppMux() *http.ServeMux {
	mux := http.NewServeMux()

	if singletonBus == nil {
		singletonBus = eventbus.New(256)
	}

	jobHandler := NewJobHandler(store.AppStore, singletonBus, singletonObjectStore)
	instanceHandler := NewInstanceHandler(store.AppStore)

	var secretsHandler *SecretsHandler
	if singletonKeyManager == nil {
		if db := store.GetDB(); db != nil {
			if keyMgr, err := secrets.LoadOrCreateMasterKeys(db); err == nil {
				singletonKeyManager = keyMgr
			}
		}
	}
	if singletonKeyManager != nil {
		secretsHandler = NewSecretsHandler(store.AppStore, singletonKeyManager)
	}

	transactionMiddleware := middleware.TransactionMiddleware
	authMiddleware := middleware.BearerAuthMiddleware(store.AppStore)
	rateLimitMiddleware := middleware.AdmissionRateLimitMiddleware
	adminMiddleware := middleware.RequireAdminMiddleware

	// Health check (no auth required)
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		transactionMiddleware(http.HandlerFunc(healthHandler)).ServeHTTP(w, r)
	})

	// Metrics (no auth required)
	mux.Handle("/api/v1/metrics", metrics.Handler())

	// Job routes
	mux.HandleFunc("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				jobHandler.ListJobs(w, r)
			case http.MethodPost:
				rateLimitMiddleware(http.HandlerFunc(jobHandler.CreateJob)).ServeHTTP(w, r)
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		})))
		handler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/api/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
		if path == "" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}

		handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(path, "/logs") {
				jobID := strings.TrimSuffix(path, "/logs")
				r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
				if r.Method == http.MethodGet {
					jobHandler.GetJobLogs(w, r)
					return
				}
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			if strings.HasSuffix(path, "/cancel") {
				jobID := strings.TrimSuffix(path, "/cancel")
				r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
				if r.Method == http.MethodPut {
					jobHandler.CancelJob(w, r)
					return
				}
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			r = r.WithContext(setIDContext(r.Context(), "job_id", path))
			switch r.Method {
			case http.MethodGet:
				jobHandler.GetJob(w, r)
			case http.MethodDelete:
				// DELETE cancels the job (spec §4.10); it is not a hard row
				// delete, so CancelJob's terminal-state and concurrency-conflict
				// handling applies the same as the PUT .../cancel route.
				jobHandler.CancelJob(w, r)
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		})))
		handler.ServeHTTP(w, r)
	})

	// Instance routes (read-only)
	mux.HandleFunc("/api/v1/instances", func(w http.ResponseWriter, r *http.Request) {
		handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				instanceHandler.ListInstances(w, r)
				return
			}
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		})))
		handler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/api/v1/instances/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v1/instances/")
		if path == "" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}

		handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(path, "/assignments") {
				instanceID := strings.TrimSuffix(path, "/assignments")
				r = r.WithContext(setIDContext(r.Context(), "instance_id", instanceID))
				if r.Method == http.MethodGet {
					instanceHandler.ListAssignments(w, r)
					return
				}
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if strings.HasSuffix(path, "/cost") {
				instanceID := strings.TrimSuffix(path, "/cost")
				r = r.WithContext(setIDContext(r.Context(), "instance_id", instanceID))
				if r.Method == http.MethodGet {
					instanceHandler.ListCostLedger(w, r)
					return
				}
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			r = r.WithContext(setIDContext(r.Context(), "instance_id", path))
			if r.Method == http.MethodGet {
				instanceHandler.GetInstance(w, r)
				return
			}
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		})))
		handler.ServeHTTP(w, r)
	})

	// Worker control channel: instances dial back in with their bootstrap
	// token (spec §6). Bootstrap auth is handled inside the dispatcher, not
	// by BearerAuthMiddleware, since an instance holds a bootstrap token,
	// not a JWT.
	if singletonDispatcher != nil {
		mux.HandleFunc("/api/v1/workers/connect", singletonDispatcher.HandleWorkerConnect)
	}

	// Secrets routes (require auth and master keys to be configured)
	if secretsHandler != nil {
		mux.HandleFunc("/api/v1/secrets", func(w http.ResponseWriter, r *http.Request) {
			handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					secretsHandler.ListKeys(w, r)
				} else {
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			})))
			handler.ServeHTTP(w, r)
		})

		mux.HandleFunc("/api/v1/secrets/value", func(w http.ResponseWriter, r *http.Request) {
			handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.Method {
				case http.MethodGet:
					secretsHandler.GetSecret(w, r)
				case http.MethodPut:
					secretsHandler.SetSecret(w, r)
				case http.MethodDelete:
					secretsHandler.DeleteSecret(w, r)
				default:
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			})))
			handler.ServeHTTP(w, r)
		})

		mux.HandleFunc("/api/v1/secrets/paths", func(w http.ResponseWriter, r *http.Request) {
			handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					secretsHandler.ListPaths(w, r)
				} else {
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			})))
			handler.ServeHTTP(w, r)
		})

		mux.HandleFunc("/api/v1/secrets/init", func(w http.ResponseWriter, r *http.Request) {
			handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					secretsHandler.InitSecrets(w, r)
				} else {
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			})))
			handler.ServeHTTP(w, r)
		})

		mux.HandleFunc("/api/v1/secrets/batch/get", func(w http.ResponseWriter, r *http.Request) {
			handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					secretsHandler.BatchGet(w, r)
				} else {
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			})))
			handler.ServeHTTP(w, r)
		})

		mux.HandleFunc("/api/v1/secrets/batch/set", func(w http.ResponseWriter, r *http.Request) {
			handler := transactionMiddleware(authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					secretsHandler.BatchSet(w, r)
				} else {
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			})))
			handler.ServeHTTP(w, r)
		})

		// Admin endpoints for master key management.
		mux.HandleFunc("/api/v1/admin/secrets/master-keys", func(w http.ResponseWriter, r *http.Request) {
			handler := transactionMiddleware(authMiddleware(adminMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.Method {
				case http.MethodPost:
					secretsHandler.CreateMasterKey(w, r)
				case http.MethodGet:
					secretsHandler.ListMasterKeys(w, r)
				default:
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			}))))
			handler.ServeHTTP(w, r)
		})

		mux.HandleFunc("/api/v1/admin/secrets/master-keys/", func(w http.ResponseWriter, r *http.Request) {
			path := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/secrets/master-keys/")
			if path == "" {
				http.Error(w, "Invalid path", http.StatusBadRequest)
				return
			}

			handler := transactionMiddleware(authMiddleware(adminMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(path, "/rotate") {
					keyName := strings.TrimSuffix(path, "/rotate")
					r = r.WithContext(setIDContext(r.Context(), "key_name", keyName))
					if r.Method == http.MethodPost {
						secretsHandler.RotateMasterKey(w, r)
						return
					}
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
					return
				}

				r = r.WithContext(setIDContext(r.Context(), "key_name", path))
				if r.Method == http.MethodDelete {
					secretsHandler.DecommissionMasterKey(w, r)
					return
				}
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}))))
			handler.ServeHTTP(w, r)
		})

		mux.HandleFunc("/api/v1/admin/secrets/sync-primary", func(w http.ResponseWriter, r *http.Request) {
			handler := transactionMiddleware(authMiddleware(adminMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					secretsHandler.SyncPrimary(w, r)
				} else {
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			}))))
			handler.ServeHTTP(w, r)
		})
	}

	return mux
}

// setIDContext adds an ID to the context for handlers to use
// This replaces the mux.Vars functionality from gorilla/mux
type contextKey string

func setIDContext(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

// GetIDFromContext gets an ID from the context
func GetIDFromContext(r *http.Request, key string) string {
	if value, ok := r.Context().Value(contextKey(key)).(string); ok {
		return value
	}
	return ""
}

// GetContextKey returns a context key of the same type used internally
func GetContextKey(key string) contextKey {
	return contextKey(key)
}

// NewRouter creates a new router for the API with CORS handling
func NewRouter(bus *eventbus.Bus, disp *dispatcher.Dispatcher) http.Handler {
	mux := GetAppMuxWithBus(bus, disp)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return instrumentRequests(c.Handler(mux))
}

// statusRecorder captures the response status code for metrics without
// altering any other ResponseWriter behavior.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrumentRequests records per-endpoint request counts and latency for the
// /api/v1/metrics scrape target.
func instrumentRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		endpoint := routeTemplate(r.URL.Path)
		metrics.RecordAPIRequest(r.Method, endpoint, strconv.Itoa(rec.status))
		metrics.RecordAPIRequestDuration(r.Method, endpoint, time.Since(start).Seconds())
	})
}

// routeTemplate collapses path segments that carry an ID into a fixed
// template so the metric's cardinality stays bounded by route count, not by
// the number of jobs/instances that have ever existed.
func routeTemplate(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "jobs", "instances", "master-keys":
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// healthHandler reports process health plus the caller's verification status.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	verified := checkauth.GetVerifiedFromContext(r.Context())
	user := checkauth.GetUserFromContext(r.Context())

	response := map[string]interface{}{
		"status": "OK",
		"verification": map[string]interface{}{
			"verified":           verified,
			"user_authenticated": user != nil,
		},
	}

	if user != nil {
		response["verification"].(map[string]interface{})["user_id"] = user.UserID
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

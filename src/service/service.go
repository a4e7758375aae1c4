package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/node"
	"github.com/mosaicnetworks/mural/src/objectstore"
	"github.com/mosaicnetworks/mural/src/stage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service exposes the state of a node over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	objects     *objectstore.ObjectStore
	tree        *stage.Tree
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string,
	n *node.Node,
	objects *objectstore.ObjectStore,
	tree *stage.Tree,
	logger *logrus.Entry) *Service {

	service := Service{
		bindAddress: bindAddress,
		node:        n,
		objects:     objects,
		tree:        tree,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with a private ServeMux when the
// service has its own address. Otherwise they go to the DefaultServeMux of the
// http package, and are served by whatever server of the process uses it.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Mural API handlers")

	if s.bindAddress != "" {
		s.mux = http.NewServeMux()
	} else {
		s.mux = http.DefaultServeMux
	}

	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	s.mux.HandleFunc("/objects", s.makeHandler(s.GetObjects))
	s.mux.HandleFunc("/cache", s.makeHandler(s.GetCache))
	s.mux.HandleFunc("/stages", s.makeHandler(s.GetStages))
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the mux holding the API handlers.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Mural API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.GetStats())
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Peers())
}

// GetObjects lists the attached object instances. The "id" query parameter
// restricts the list to one object.
func (s *Service) GetObjects(w http.ResponseWriter, r *http.Request) {
	infos := s.objects.Objects()

	if param := r.URL.Query().Get("id"); param != "" {
		id, err := uuid.Parse(param)
		if err != nil {
			s.logger.WithError(err).Errorf("Parsing id parameter %s", param)

			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		filtered := []objectstore.ObjectInfo{}
		for _, info := range infos {
			if info.ObjectID == id {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}

	writeJSON(w, infos)
}

// GetCache ...
func (s *Service) GetCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.objects.Cache().Stats())
}

// GetStages ...
func (s *Service) GetStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.tree.Infos())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}

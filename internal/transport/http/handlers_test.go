package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mirage/internal/clock"
	"mirage/internal/defense"
	"mirage/internal/detect"
	"mirage/internal/domains"
	"mirage/internal/events"
	"mirage/internal/score"
	"mirage/internal/shuffle"
)

type HandlerSuite struct {
	suite.Suite
	clk    *clock.Manual
	doms   *domains.Manager
	scores *score.Manager
	server *httptest.Server
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.clk = clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	bus.SetRecording(true)

	detector := detect.NewLocalDetector(s.clk)
	crossAgent := detect.NewCrossAgentDetector(s.clk)
	classifier := detect.NewGlobalDetector(s.clk)
	s.scores = score.NewManager(bus, s.clk)
	s.doms = domains.NewManager(bus, s.clk)
	shuffler := shuffle.NewController(s.doms, s.scores, bus, s.clk)
	executor := defense.NewExecutor(s.scores, s.doms, shuffler, detector, bus, s.clk)

	handler := New(s.scores, s.doms, shuffler, detector, crossAgent, classifier, executor, slog.Default())
	s.server = httptest.NewServer(NewRouter(handler))
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
}

func (s *HandlerSuite) request(method, path, body string) (*http.Response, map[string]any) {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent && resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	resp.Body.Close()
	return resp, decoded
}

func (s *HandlerSuite) TestHealthz() {
	resp, body := s.request(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
}

func (s *HandlerSuite) TestMetricsEndpoint() {
	resp, _ := s.request(http.MethodGet, "/metrics", "")
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerSuite) TestDomains() {
	s.Run("create returns the new id", func() {
		resp, body := s.request(http.MethodPost, "/api/v1/domains", `{"name":"edge"}`)
		s.Equal(http.StatusCreated, resp.StatusCode)
		s.Equal(float64(1), body["id"])
	})

	s.Run("create without a name is rejected", func() {
		resp, _ := s.request(http.MethodPost, "/api/v1/domains", `{}`)
		s.Equal(http.StatusBadRequest, resp.StatusCode)
	})

	s.Run("get returns the domain", func() {
		resp, body := s.request(http.MethodGet, "/api/v1/domains/1", "")
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal("edge", body["name"])
	})

	s.Run("get missing domain is 404", func() {
		resp, _ := s.request(http.MethodGet, "/api/v1/domains/99", "")
		s.Equal(http.StatusNotFound, resp.StatusCode)
	})

	s.Run("add user and proxy", func() {
		resp, _ := s.request(http.MethodPost, "/api/v1/domains/1/users", `{"userId":7}`)
		s.Equal(http.StatusNoContent, resp.StatusCode)
		resp, _ = s.request(http.MethodPost, "/api/v1/domains/1/proxies", `{"proxyId":100}`)
		s.Equal(http.StatusNoContent, resp.StatusCode)
		s.Equal(uint32(1), s.doms.DomainOf(7))
	})

	s.Run("split refusal maps to conflict", func() {
		resp, _ := s.request(http.MethodPost, "/api/v1/domains/1/split", "")
		s.Equal(http.StatusConflict, resp.StatusCode)
	})

	s.Run("invalid id is a bad request", func() {
		resp, _ := s.request(http.MethodGet, "/api/v1/domains/abc", "")
		s.Equal(http.StatusBadRequest, resp.StatusCode)
	})
}

func (s *HandlerSuite) TestAgentIngest() {
	s.Run("stats are accepted and observable", func() {
		resp, _ := s.request(http.MethodPost, "/api/v1/agents/5/stats", `{"packetRate":50000}`)
		s.Equal(http.StatusAccepted, resp.StatusCode)

		resp, body := s.request(http.MethodGet, "/api/v1/agents/5/observation", "")
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal(float64(1), body["patternAnomaly"])
		s.Equal("udp_flood", body["suspectedType"])
		s.Equal(true, body["underAttack"])
	})

	s.Run("ingested agents join the population detectors", func() {
		resp, body := s.request(http.MethodGet, "/api/v1/detection/distribution", "")
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal(float64(1), body["5"])
	})
}

func (s *HandlerSuite) TestScores() {
	resp, body := s.request(http.MethodGet, "/api/v1/scores/3", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("low", body["riskLevel"])

	s.scores.UpdateScore(3, detect.Observation{RateAnomaly: 1, PatternAnomaly: 1, PersistenceFactor: 1})
	resp, _ = s.request(http.MethodPost, "/api/v1/scores/3/feedback", `{"value":1}`)
	s.Equal(http.StatusNoContent, resp.StatusCode)
	s.Equal(1.0, s.scores.GetScore(3))
}

func (s *HandlerSuite) TestShuffleEndpoints() {
	s.Run("trigger on a missing domain maps to conflict", func() {
		resp, body := s.request(http.MethodPost, "/api/v1/shuffle/trigger", `{"domainId":9}`)
		s.Equal(http.StatusConflict, resp.StatusCode)
		s.Equal(false, body["success"])
		s.Equal("domain not found", body["reason"])
	})

	s.Run("stats reflect the failed run", func() {
		resp, body := s.request(http.MethodGet, "/api/v1/shuffle/stats", "")
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal(float64(1), body["failedShuffles"])
	})
}

func (s *HandlerSuite) TestDecisions() {
	s.Run("executes a decision and reports the outcome", func() {
		resp, body := s.request(http.MethodPost, "/api/v1/decisions", `{"action":"update_score","targetUserId":4,"newScore":1}`)
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal(true, body["success"])
		s.InDelta(0.3, s.scores.GetScore(4), 1e-9)
	})

	s.Run("stats expose execution counters", func() {
		resp, body := s.request(http.MethodGet, "/api/v1/decisions/stats", "")
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal(float64(1), body["executed"])
	})
}

func (s *HandlerSuite) TestClassifier() {
	s.Run("predict against the default centroids", func() {
		resp, body := s.request(http.MethodPost, "/api/v1/classifier/predict", `{"rateAnomaly":0.9,"connectionAnomaly":0.2,"patternAnomaly":0.8,"persistenceFactor":0.4}`)
		s.Equal(http.StatusOK, resp.StatusCode)
		s.Equal("udp_flood", body["type"])
	})

	s.Run("training without data is a conflict", func() {
		resp, _ := s.request(http.MethodPost, "/api/v1/classifier/train", "")
		s.Equal(http.StatusConflict, resp.StatusCode)
	})

	s.Run("dataset upload then train succeeds", func() {
		csv := "rate,conn,pattern,persistence,label\n0.9,0.1,0.8,0.4,6\n0,0,0,0,0\n"
		resp, _ := s.request(http.MethodPost, "/api/v1/classifier/dataset", csv)
		s.Equal(http.StatusAccepted, resp.StatusCode)
		resp, _ = s.request(http.MethodPost, "/api/v1/classifier/train", "")
		s.Equal(http.StatusNoContent, resp.StatusCode)
	})
}

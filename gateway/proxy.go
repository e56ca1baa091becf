package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// identityHeaders are set by the gateway from verified claims. Client copies
// are dropped so a caller cannot pose as another user downstream.
var identityHeaders = []string{"X-User-Id", "X-User-Email", "X-User-Role"}

// hopHeaders are connection-level and not forwarded
var hopHeaders = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade"}

// ServiceClient handles HTTP communication with microservices
type ServiceClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

// ServiceClients holds all service clients
type ServiceClients struct {
	TenantService    *ServiceClient
	PromotionService *ServiceClient
	WorkerService    *ServiceClient
}

// NewServiceClient creates a new service client
func NewServiceClient(name, baseURL string, log *logrus.Entry) *ServiceClient {
	return &ServiceClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.WithField("upstream", name),
	}
}

// ProxyRequest proxies requests to the appropriate microservice. The
// original Host is kept so services can resolve the tenant from a subdomain.
func (sc *ServiceClient) ProxyRequest(c *gin.Context) {
	// Build target URL
	targetURL := sc.baseURL + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		targetURL += "?" + c.Request.URL.RawQuery
	}

	// Create request
	var body io.Reader
	if c.Request.Body != nil {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			utils.InternalServerErrorResponse(c, "Failed to read request body")
			return
		}
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, targetURL, body)
	if err != nil {
		utils.InternalServerErrorResponse(c, "Failed to create request")
		return
	}

	// Copy headers
	for key, values := range c.Request.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for _, h := range append(identityHeaders, hopHeaders...) {
		req.Header.Del(h)
	}
	req.Host = c.Request.Host
	req.Header.Set("X-Forwarded-Host", c.Request.Host)
	req.Header.Set("X-Forwarded-For", c.ClientIP())

	// Add user context headers
	if userID := c.GetString("user_id"); userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if email := c.GetString("email"); email != "" {
		req.Header.Set("X-User-Email", email)
	}
	if role := c.GetString("role"); role != "" {
		req.Header.Set("X-User-Role", role)
	}

	// Send request
	resp, err := sc.httpClient.Do(req)
	if err != nil {
		sc.log.WithError(err).WithField("path", c.Request.URL.Path).Error("Upstream request failed")
		utils.ErrorResponse(c, http.StatusBadGateway, "Failed to communicate with service")
		return
	}
	defer resp.Body.Close()

	// Read response body
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		utils.InternalServerErrorResponse(c, "Failed to read response")
		return
	}

	// Copy response headers
	for key, values := range resp.Header {
		for _, value := range values {
			c.Header(key, value)
		}
	}

	// Set status and return response
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), responseBody)
}

// HealthCheck checks if a service is healthy
func (sc *ServiceClient) HealthCheck() error {
	req, err := http.NewRequest(http.MethodGet, sc.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned status %d", resp.StatusCode)
	}

	return nil
}

func (scs *ServiceClients) all() []*ServiceClient {
	return []*ServiceClient{scs.TenantService, scs.PromotionService, scs.WorkerService}
}

// GetServiceStatus returns the status of all services
func (scs *ServiceClients) GetServiceStatus() (map[string]interface{}, bool) {
	status := make(map[string]interface{})
	healthy := true
	for _, sc := range scs.all() {
		if err := sc.HealthCheck(); err != nil {
			healthy = false
			status[sc.name] = map[string]interface{}{
				"healthy": false,
				"error":   err.Error(),
			}
			continue
		}
		status[sc.name] = map[string]interface{}{
			"healthy": true,
		}
	}
	return status, healthy
}

// serviceNames lists configured upstreams, for logs
func (scs *ServiceClients) serviceNames() []string {
	var names []string
	for _, sc := range scs.all() {
		names = append(names, sc.name+"="+sc.baseURL)
	}
	sort.Strings(names)
	return names
}

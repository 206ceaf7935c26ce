package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultAgentID is used when ELEVENLABS_AGENT_ID is unset. It points at a
// demo agent and is not meant for production deployments.
const DefaultAgentID = "agent_01jz5g8mcgfk6r4nd3vhjm3tde"

// Config holds application configuration.
type Config struct {
	HTTPAddress      string
	ElevenLabsKey    string
	ElevenLabsAgent  string
	AllowedOrigins   []string
	MaxPanelSessions int
	SessionTimeout   time.Duration
	RedisURL         string
	RedisPassword    string
	TwilioAuthToken  string
	CallPassword     string
	ICEServersJSON   string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	apiKey := os.Getenv("ELEVENLABS_API_KEY")
	if apiKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - only public agents will be reachable")
	}

	agentID := os.Getenv("ELEVENLABS_AGENT_ID")
	if agentID == "" {
		agentID = DefaultAgentID
		log.Printf("Warning: ELEVENLABS_AGENT_ID not set - falling back to built-in demo agent %s", agentID)
	}

	origins := []string{"*"}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}

	maxSessions := 100
	if v := os.Getenv("MAX_PANEL_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("Warning: invalid MAX_PANEL_SESSIONS=%q - using default %d", v, maxSessions)
		} else {
			maxSessions = n
		}
	}

	sessionTimeout := 30 * time.Minute
	if v := os.Getenv("SESSION_TIMEOUT_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("Warning: invalid SESSION_TIMEOUT_MINUTES=%q - using default %s", v, sessionTimeout)
		} else {
			sessionTimeout = time.Duration(n) * time.Minute
		}
	}

	twilioToken := os.Getenv("TWILIO_AUTH_TOKEN")
	if twilioToken == "" {
		log.Println("Warning: TWILIO_AUTH_TOKEN not set - phone entry point disabled")
	}

	log.Printf("config: HTTP_ADDRESS=%s agent=%s", addr, agentID)
	return Config{
		HTTPAddress:      addr,
		ElevenLabsKey:    apiKey,
		ElevenLabsAgent:  agentID,
		AllowedOrigins:   origins,
		MaxPanelSessions: maxSessions,
		SessionTimeout:   sessionTimeout,
		RedisURL:         os.Getenv("REDIS_URL"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		TwilioAuthToken:  twilioToken,
		CallPassword:     os.Getenv("CALL_PASSWORD"),
		ICEServersJSON:   os.Getenv("ICE_SERVERS_JSON"),
	}
}

// Package config handles configuration loading for iris.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from IRIS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/iris/iris.yaml
//  3. ~/.config/iris/iris.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	provider:
//	  api_key: "${OPENROUTER_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	bot:
//	  name: "Iris"
//	  command_prefix: "!"
//	  default_model: "deepseek/deepseek-r1-0528:free"
//	  admins: ["@alice:example.org"]
//
//	provider:
//	  backend: "openrouter"     # openrouter, eino
//	  api_key: "${OPENROUTER_API_KEY}"
//	  timeout: "2m"
//
//	defaults:
//	  personality: "Tone: neutral. Style: formal."
//	  temperature: 0.5
//
//	rooms:
//	  "!room:example.org":
//	    temperature: 0.9
//	    model: "openai/gpt-4o-mini"
//	    auto_reply: true
//
//	cache:
//	  catalog_ttl: "24h"
//	  capability_ttl: ""            # empty keeps check results for the process lifetime
//	  conversation_idle_ttl: "72h"
//	  max_conversations: 10000
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load validates the provider backend and key, Matrix credentials when
// the frontend is enabled, the JWT secret length, and every configured
// temperature and personality.
package config

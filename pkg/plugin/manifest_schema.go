package plugin

// manifestSchema is the JSON Schema for plugin manifest validation
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9-]*$",
      "description": "Unique plugin identifier"
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable plugin name"
    },
    "version": {
      "type": "string",
      "description": "Semver version"
    },
    "description": {
      "type": "string",
      "description": "Plugin description"
    },
    "author": {
      "type": "string",
      "description": "Plugin author"
    },
    "capabilities": {
      "type": "array",
      "items": {
        "type": "string",
        "enum": [
          "settings:read",
          "settings:write",
          "navigation",
          "documents:read",
          "notifications"
        ]
      }
    },
    "extensionPoints": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "optionsId", "entry"],
        "properties": {
          "kind": {
            "type": "string",
            "enum": ["sidebar-mode", "toolbar-button", "widget"]
          },
          "optionsId": {
            "type": "string",
            "minLength": 1
          },
          "label": {
            "type": "string"
          },
          "icon": {
            "type": "string"
          },
          "entry": {
            "type": "string",
            "minLength": 1
          }
        }
      }
    }
  }
}`

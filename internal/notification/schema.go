package notification

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://download-engine.local/schemas/"

// schemaFiles — соответствие notificationType → файл JSON Schema.
var schemaFiles = map[string]string{
	TypeMetadata:      "metadata.json",
	TypeDownloadReady: "download_ready.json",
	TypeFailure:       "failure.json",
	TypeQueued:        "queued.json",
}

// schemas — скомпилированные схемы, по одной на тип уведомления.
var schemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	out, err := compileSchemas()
	if err != nil {
		// Схемы встроены в бинарник: ошибка здесь — ошибка сборки
		panic(err)
	}
	return out
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	for _, name := range schemaFiles {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("чтение схемы %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("разбор схемы %s: %w", name, err)
		}
		if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, fmt.Errorf("регистрация схемы %s: %w", name, err)
		}
	}

	out := make(map[string]*jsonschema.Schema, len(schemaFiles))
	for typ, name := range schemaFiles {
		sch, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("компиляция схемы %s: %w", name, err)
		}
		out[typ] = sch
	}
	return out, nil
}

// validate проверяет вложенный объект file по схеме типа уведомления.
// Значение предварительно нормализуется через JSON (int, json.Number → number).
func validate(notificationType string, file map[string]any) error {
	sch, ok := schemas[notificationType]
	if !ok {
		return fmt.Errorf("нет схемы для %q", notificationType)
	}
	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("сериализация file: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("нормализация file: %w", err)
	}
	return sch.Validate(inst)
}

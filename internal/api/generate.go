package api

//go:generate go run github.com/oapi-codegen/oapi-codegen/v2/cmd/oapi-codegen --config=../../api/server.gen.cfg.yaml ../../api/openapi.yaml

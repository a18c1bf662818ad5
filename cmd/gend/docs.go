package main

// General API documentation for swaggo. Generate with `swag init -g cmd/gend/docs.go -o docs`.
//
// @title           gend API
// @version         1.0
// @description     HTTP API for queued and interactive GPU generation jobs.
//
// @contact.name   gend maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http

// Package mysql opens MySQL connections with pool defaults and applies the
// embedded schema migrations under deploy/migrations. Job persistence lives in
// internal/job and uses the connection returned here.
package mysql

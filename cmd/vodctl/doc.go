// Command vodctl is the administration CLI of the VOD transcoder.
//
// Usage:
//
//	vodctl <command> [args]
//
// Commands:
//
//	hash-token      Read an upload token and print its bcrypt hash. Set the
//	                output as UPLOAD_TOKEN_HASH to require the token on
//	                uploads. On a terminal the token is read twice without
//	                echo; otherwise one line is read from stdin.
//
//	status          Print the number of jobs in each status.
//
//	jobs [status]   List jobs newest first. status is one of processing,
//	                ready or error.
//
// Environment:
//
//	DATABASE_DIR - Path to database directory (default: /database)
//	DATABASE_URL - Postgres connection string; overrides DATABASE_DIR
package main

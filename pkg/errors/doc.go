/*
Package errors provides structured error handling for the system.

It defines a standard AppError type that includes:
  - Error Code (standardized strings like NOT_FOUND, INTERNAL)
  - Message (human-readable description)
  - Underlying Error (chaining)

It also provides helpers for common error scenarios and conversion to HTTP
status codes. Packages that own a failure domain (bus, webhook, ghauth, …)
define their own code constants and constructors on top of AppError.
*/
package errors

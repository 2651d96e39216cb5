// Comfyworker runs ComfyUI as a serverless job worker. A job names an operation and its
// parameters; the worker writes them into a stored workflow template, runs the workflow on
// ComfyUI and publishes the resulting images to object storage. See cmd/worker for the
// container entry point and cmd/comfyctl for the operator CLI.
package comfyworker

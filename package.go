// Comfyrunner triggers and monitors workflows on a ComfyUI generation server.
// It waits for the server to come up, submits an API-format workflow to the
// /prompt endpoint, tracks the job to completion over the websocket event
// stream (falling back to history polling), and can read a node's text
// output back out of the execution history to drive follow-up runs.
package comfyrunner

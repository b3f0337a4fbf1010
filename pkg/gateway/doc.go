/*
Package gateway is the surface playbooks use to change the topology while
their task runs.

Each call carries the ADCM_TOKEN of the job. The gateway resolves it to a
running task and acts for that task: objects under the task lock can be
changed, objects locked by other tasks cannot, and state changes are only
allowed on objects the task itself locked.
*/
package gateway

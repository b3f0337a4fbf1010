/*
Package client is the Go client of the adcm.v1.Control gRPC service.

	c, err := client.NewClient("localhost:8000")
	if err != nil {
		return err
	}
	defer c.Close()

	b, err := c.LoadBundle(ctx, "/srv/bundles/hadoop")
	cluster, err := c.CreateCluster(ctx, protoID, "prod", "")
	task, err := c.RunAction(ctx, cluster.Ref(), actionID, launcher.RunRequest{})

Errors returned by the methods carry the code the server reported, so
adcmerr.CodeOf and adcmerr.Is work on them as they do in-process.

Jobs talk to the plugin gateway through Plugin, authenticated with the
ADCM_TOKEN they were started with:

	p := c.Plugin(os.Getenv("ADCM_TOKEN"))
	err := p.SetMultiState(ctx, cluster.Ref(), "prepared")

Methods without a typed wrapper can be reached through Call.
*/
package client

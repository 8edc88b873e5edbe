/*
Package client provides a Go client library for the nvmetd REST API.

The client wraps the HTTP/JSON endpoints served by pkg/api with one typed
method per operation, so tools such as nvmetctl never deal with URLs or
status codes.

# Transports

NewClient accepts either form of address the daemon listens on:

	client.NewClient("127.0.0.1:6010")            // TCP, read-write
	client.NewClient("/var/run/nvmetd/nvmetd.sock") // UNIX socket, read-only

Requests that change the configuration through the UNIX socket fail with
HTTP 403.

# Errors

A request the daemon rejects returns *Error. Validation failures carry the
rejected attributes:

	_, err := c.CreatePort(&types.Port{AddrTrtype: types.TrtypeTCP})
	var apiErr *client.Error
	if errors.As(err, &apiErr) {
		for _, v := range apiErr.Errors {
			fmt.Println(v.Attribute, v.Message)
		}
	}

IsNotFound reports unknown IDs.

# Usage

	c, err := client.NewClient("127.0.0.1:6010")
	if err != nil {
		return err
	}
	defer c.Close()

	subsys, err := c.CreateSubsystem(&types.Subsystem{Name: "vol1"})
	...
	ns, err := c.CreateNamespace(&types.Namespace{
		SubsysID:   subsys.ID,
		DeviceType: types.DeviceTypeZVOL,
		DevicePath: "zvol/tank/vol1",
	})
	...
	status, err := c.ServiceAction("reload")

Every call is bounded by DefaultTimeout, adjustable with SetTimeout.
*/
package client

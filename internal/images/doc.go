/*
Package images holds the reference V-Node programs shipped with the kernel.

They are ordinary clients of abi.Syscalls and get no access the manifest did
not grant.

# Programs

  - socket-api: loopback socket service on svc://socket-api
  - dns-resolver: static host table on svc://dns-resolver; probes socket-api
    with a DMA buffer moved through a socket at startup
  - mail-service: resolves its relay names through dns-resolver

# Example Usage

	store := vnode.NewImageStore()
	if err := images.Register(store, cfg.Loader.ImageDir); err != nil {
		return err
	}
	k, err := kernel.New(cfg, kernel.WithImages(store))
*/
package images
